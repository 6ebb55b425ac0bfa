package engine

import (
	"context"
	"io"
	"sync"

	"l3book/internal/depth"
)

// ConsoleSink prints each snapshot in the stacked text layout.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleSink(w io.Writer) *ConsoleSink { return &ConsoleSink{w: w} }

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Publish(_ context.Context, snap depth.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snap.Render(c.w)
}
