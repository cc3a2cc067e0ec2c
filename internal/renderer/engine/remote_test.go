package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/tileforge/internal/core/model"
)

type fakeEngine struct {
	mu      sync.Mutex
	opened  []Map
	renders []string
	closed  []string
}

func (f *fakeEngine) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var m Map
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.opened = append(f.opened, m)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"id":"s1"}`))
	})
	mux.HandleFunc("POST /sessions/{id}/render/{z}/{x}/{y}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.renders = append(f.renders, r.PathValue("id")+"@"+r.PathValue("z")+"/"+r.PathValue("x")+"/"+r.PathValue("y")+":"+string(body))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("img"))
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.closed = append(f.closed, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestRemote_SessionLifecycle(t *testing.T) {
	fe := &fakeEngine{}
	srv := httptest.NewServer(fe.handler())
	defer srv.Close()

	r := NewRemote(srv.URL+"/", time.Second)
	s, err := r.Open(context.Background(), Map{
		DB:     "main",
		Format: "png",
		Scale:  1,
		Layers: []Layer{{ID: "layer0", CartoCSS: "#layer { polygon-fill: red; }"}},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	img, err := s.Render(context.Background(), model.Tile{Z: 13, X: 4011, Y: 3088}, []byte("mvt"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(img) != "img" {
		t.Fatalf("img=%q", img)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fe.mu.Lock()
	defer fe.mu.Unlock()
	if len(fe.opened) != 1 || fe.opened[0].Layers[0].ID != "layer0" {
		t.Fatalf("opened=%+v", fe.opened)
	}
	if len(fe.renders) != 1 || fe.renders[0] != "s1@13/4011/3088:mvt" {
		t.Fatalf("renders=%v", fe.renders)
	}
	if len(fe.closed) != 1 || fe.closed[0] != "s1" {
		t.Fatalf("closed=%v", fe.closed)
	}
}

func TestRemote_NotConfigured(t *testing.T) {
	r := NewRemote("", time.Second)
	if _, err := r.Open(context.Background(), Map{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
}

func TestRemote_EmptySessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := NewRemote(srv.URL, time.Second).Open(context.Background(), Map{}); err == nil {
		t.Fatalf("expected error for empty session id")
	}
}
