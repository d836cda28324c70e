package persist

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/settings" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lamp":{"name":"desk","brightness":42},"shade":{"colors":["#ff0000"]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, 100)
	s, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	assert.Equal(t, "desk", *s.Lamp.Name)
	assert.Equal(t, 42, *s.Lamp.Brightness)
	assert.Equal(t, []string{"#ff0000"}, s.ShadeColors())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"not found", http.StatusNotFound, ""},
		{"malformed body", http.StatusOK, "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second, 100).Load(context.Background())
			if !errors.Is(err, ErrLoad) {
				t.Fatalf("expected ErrLoad, got %v", err)
			}
		})
	}
}

func TestLoad_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second, 100).Load(context.Background())
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad, got %v", err)
	}
}

func TestSave(t *testing.T) {
	var gotBody, gotType, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		gotType = r.Header.Get("Content-Type")
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	body := []byte(`{"lamp":{"brightness":10}}`)
	if err := NewClient(srv.URL, time.Second, 100).Save(context.Background(), body); err != nil {
		t.Fatalf("Save: %v", err)
	}

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, string(body), gotBody)
}

func TestSave_NonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "read only", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, time.Second, 100).Save(context.Background(), []byte(`{}`))
	if !errors.Is(err, ErrSave) {
		t.Fatalf("expected ErrSave, got %v", err)
	}
}

func TestRequest_HonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewClient(srv.URL, time.Second, 100).Save(ctx, []byte(`{}`)); !errors.Is(err, ErrSave) {
		t.Fatalf("expected ErrSave for cancelled context, got %v", err)
	}
}
