// Package invalidation defines the change events that tell the tile server
// a datasource table or a layergroup has changed.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/tileforge/internal/overviews"
)

type Event struct {
	Version int `json:"version"`
	// Seq orders events per table; an event with a Seq not above the last
	// seen one for the same table is a duplicate.
	Seq    uint64    `json:"seq,omitempty"`
	Op     string    `json:"op"`
	DB     string    `json:"db"`
	Tables []string  `json:"tables,omitempty"`
	Token  string    `json:"token,omitempty"`
	TS     time.Time `json:"ts"`
	Source string    `json:"source,omitempty"`
}

const (
	OpInsert   = "insert"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpTruncate = "truncate"
	// OpStyle drops renderers of one layergroup token.
	OpStyle = "style"
)

func (e Event) Validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete, OpTruncate:
		if strings.TrimSpace(e.DB) == "" {
			return errors.New("db is required")
		}
		if len(e.Tables) == 0 {
			return errors.New("tables must not be empty")
		}
		for _, t := range e.Tables {
			if _, _, err := overviews.ParseIdentifier(t); err != nil {
				return fmt.Errorf("tables: %w", err)
			}
		}
	case OpStyle:
		if strings.TrimSpace(e.Token) == "" {
			return errors.New("token is required for style events")
		}
	default:
		return errors.New("op must be insert|update|delete|truncate|style")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	return nil
}

// DedupeKeys are the keys Seq is tracked under.
func (e Event) DedupeKeys() []string {
	if e.Op == OpStyle {
		return []string{"token:" + e.Token}
	}
	out := make([]string, len(e.Tables))
	for i, t := range e.Tables {
		out[i] = e.DB + ":" + strings.ToLower(t)
	}
	return out
}
