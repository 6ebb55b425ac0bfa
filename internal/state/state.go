package state

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"l3book/internal/depth"
)

// State is the read side shared by the HTTP handlers: feed status and the
// last snapshot published for every product.
type State struct {
	connected atomic.Bool

	mu     sync.RWMutex
	latest map[string]depth.Snapshot

	pushMu   sync.Mutex
	lastPush map[string]time.Time
	interval time.Duration
}

// NewState keeps the latest snapshots. interval is the minimum gap between
// two browser pushes for one product; zero disables throttling.
func NewState(interval time.Duration) *State {
	return &State{
		latest:   make(map[string]depth.Snapshot),
		lastPush: make(map[string]time.Time),
		interval: interval,
	}
}

// Canon normalizes a product id the way the venue spells it.
func Canon(product string) string {
	return strings.ToUpper(strings.TrimSpace(product))
}

func (s *State) SetConnected(v bool) { s.connected.Store(v) }
func (s *State) Connected() bool     { return s.connected.Load() }

func (s *State) Name() string { return "state" }

// Publish records snap as the latest view of its product.
func (s *State) Publish(_ context.Context, snap depth.Snapshot) error {
	s.mu.Lock()
	s.latest[Canon(snap.Product)] = snap
	s.mu.Unlock()
	return nil
}

func (s *State) Latest(product string) (depth.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.latest[Canon(product)]
	return snap, ok
}

// Products lists the products with a published snapshot, sorted.
func (s *State) Products() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.latest))
	for p := range s.latest {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// AllowPush reports whether a snapshot for product may go out to browsers
// at now, and if so starts a new interval.
func (s *State) AllowPush(product string, now time.Time) bool {
	k := Canon(product)
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	last, ok := s.lastPush[k]
	if !ok || now.Sub(last) >= s.interval {
		s.lastPush[k] = now
		return true
	}
	return false
}
