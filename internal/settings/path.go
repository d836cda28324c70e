package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidPath is returned when a dotted path does not address a field
	// of the document.
	ErrInvalidPath = errors.New("invalid settings path")

	// ErrInvalidValue is returned when a value does not fit the addressed field.
	ErrInvalidValue = errors.New("invalid settings value")
)

// Set assigns value at a dotted path such as "lamp.brightness" or
// "expressions.0.enabled", creating intermediate sections as needed.
// A nil value unsets the field. On error s is left untouched.
func (s *Settings) Set(path string, value any) error {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}

	var node any = doc
	for _, key := range parts[:len(parts)-1] {
		node, err = descend(node, key)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
		}
	}
	if err := assign(node, parts[len(parts)-1], value); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidValue, path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.DisallowUnknownFields()
	var next Settings
	if err := dec.Decode(&next); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
		return fmt.Errorf("%w: %q: %v", ErrInvalidValue, path, err)
	}

	*s = next
	return nil
}

// descend returns the child container at key, creating an empty object when
// the key is missing or null.
func descend(node any, key string) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[key]
		if !ok || child == nil {
			child = map[string]any{}
			n[key] = child
		}
		switch child.(type) {
		case map[string]any, []any:
			return child, nil
		}
		return nil, fmt.Errorf("%q is not a section", key)
	case []any:
		i, err := index(n, key)
		if err != nil {
			return nil, err
		}
		if n[i] == nil {
			n[i] = map[string]any{}
		}
		switch n[i].(type) {
		case map[string]any, []any:
			return n[i], nil
		}
		return nil, fmt.Errorf("element %d is not a section", i)
	}
	return nil, fmt.Errorf("cannot descend into %q", key)
}

func assign(node any, key string, value any) error {
	switch n := node.(type) {
	case map[string]any:
		n[key] = value
		return nil
	case []any:
		i, err := index(n, key)
		if err != nil {
			return err
		}
		n[i] = value
		return nil
	}
	return fmt.Errorf("cannot assign %q", key)
}

func index(list []any, key string) (int, error) {
	i, err := strconv.Atoi(key)
	if err != nil {
		return 0, fmt.Errorf("%q is not a list index", key)
	}
	if i < 0 || i >= len(list) {
		return 0, fmt.Errorf("index %d out of range [0,%d)", i, len(list))
	}
	return i, nil
}
