package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/meetings/by-code/{code}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("code") != "abc-defg-hij" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(Meeting{ID: "room-1", Code: "abc-defg-hij", HostID: "u1", Title: "Standup"})
	})
	mux.HandleFunc("GET /api/user/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(User{ID: "u1", Name: "Alice"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestByCode(t *testing.T) {
	srv := newService(t)
	c := NewClient(srv.URL+"/api/", "")

	m, err := c.ByCode(context.Background(), " abc-defg-hij ")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "room-1" || m.HostID != "u1" || m.Title != "Standup" {
		t.Errorf("meeting = %+v", m)
	}

	if _, err := c.ByCode(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown code = %v, want ErrNotFound", err)
	}
	if _, err := c.ByCode(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty code = %v, want ErrNotFound", err)
	}
}

func TestMe(t *testing.T) {
	srv := newService(t)

	u, err := NewClient(srv.URL+"/api", "secret").Me(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "u1" || u.Name != "Alice" {
		t.Errorf("user = %+v", u)
	}

	if _, err := NewClient(srv.URL+"/api", "").Me(context.Background()); err == nil {
		t.Error("missing token should fail")
	}
}
