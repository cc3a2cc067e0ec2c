package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/tileforge/internal/invalidation"
)

// seqTracker remembers the highest sequence applied per (db, table) or
// layergroup token. Old keys fall out in LRU order.
type seqTracker struct {
	mu   sync.Mutex
	seen *lru.Cache[string, uint64]
}

func newSeqTracker(size int) *seqTracker {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &seqTracker{seen: c}
}

// admit reports whether ev is newer than what was applied for at least one
// of its keys, and records ev.Seq for those keys. Events without a sequence
// are always admitted.
func (s *seqTracker) admit(ev invalidation.Event) bool {
	if ev.Seq == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := false
	for _, k := range ev.DedupeKeys() {
		if last, ok := s.seen.Get(k); ok && ev.Seq <= last {
			continue
		}
		s.seen.Add(k, ev.Seq)
		fresh = true
	}
	return fresh
}
