package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

func TestResolveDecodesProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/profiles/alice" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"alice","name":"Alice","avatar_url":"http://cdn/a.png"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	p, err := c.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.ID != "alice" || p.Name != "Alice" || p.AvatarURL != "http://cdn/a.png" {
		t.Errorf("profile = %+v", p)
	}
}

func TestResolveFillsMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"Alice"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	p, err := c.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.ID != "alice" {
		t.Errorf("id = %q, want alice", p.ID)
	}
}

func TestResolveClampsOversizedName(t *testing.T) {
	long := strings.Repeat("x", domain.MaxDisplayNameLen+20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"alice","name":"` + long + `"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	p, err := c.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := len(p.Name); got != domain.MaxDisplayNameLen {
		t.Errorf("len(Name) = %d, want %d", got, domain.MaxDisplayNameLen)
	}
}

func TestResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.Resolve(context.Background(), "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("err = %v, want %v", err, core.ErrNotFound)
	}
}

func TestResolveServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.Resolve(context.Background(), "alice"); err == nil {
		t.Error("Resolve succeeded on 500")
	}
}
