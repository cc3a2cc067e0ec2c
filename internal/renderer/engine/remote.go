package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/tileforge/internal/core/httpclient"
	"github.com/mohammed-shakir/tileforge/internal/core/model"
)

var ErrNotConfigured = errors.New("rendering engine not configured")

// Remote talks to an engine over HTTP:
//
//	POST   {base}/sessions                  -> {"id": "..."}
//	POST   {base}/sessions/{id}/render/z/x/y   body: MVT, answer: image
//	DELETE {base}/sessions/{id}
type Remote struct {
	base    string
	fetcher *httpclient.Fetcher
}

func NewRemote(base string, timeout time.Duration) *Remote {
	return &Remote{
		base:    strings.TrimRight(base, "/"),
		fetcher: httpclient.NewFetcher("engine", httpclient.NewOutbound(timeout), httpclient.BreakerConfig{}),
	}
}

type openResponse struct {
	ID string `json:"id"`
}

func (r *Remote) Open(ctx context.Context, m Map) (Session, error) {
	if r == nil || r.base == "" {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode map: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open engine session: %w", err)
	}
	var out openResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode engine session: %w", err)
	}
	if out.ID == "" {
		return nil, errors.New("engine returned an empty session id")
	}
	return &remoteSession{r: r, id: out.ID}, nil
}

type remoteSession struct {
	r  *Remote
	id string
}

func (s *remoteSession) Render(ctx context.Context, t model.Tile, data []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/sessions/%s/render/%d/%d/%d", s.r.base, s.id, t.Z, t.X, t.Y)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.mapbox-vector-tile")

	resp, err := s.r.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", t, err)
	}
	return resp.Body, nil
}

func (s *remoteSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.r.base+"/sessions/"+s.id, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if _, err := s.r.fetcher.Do(req); err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("close engine session %s: %w", s.id, err)
	}
	return nil
}
