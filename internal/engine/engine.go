// Package engine owns the order books. One goroutine applies every event
// and answers every read, so the books themselves need no locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/shopspring/decimal"

	"l3book/internal/book"
	"l3book/internal/depth"
	"l3book/internal/state"
)

var ErrUnknownProduct = errors.New("unknown product")

// Sink receives each top-of-book snapshot published after a fill.
// Publish runs on the engine goroutine and must not block for long.
type Sink interface {
	Name() string
	Publish(ctx context.Context, snap depth.Snapshot) error
}

type request struct {
	fn   func(books map[string]*book.Book)
	done chan struct{}
}

type Engine struct {
	books   map[string]*book.Book
	levels  int
	sinks   []Sink
	metrics *Metrics
	log     *slog.Logger

	queries chan request
	pending []depth.Snapshot
}

// New creates one book per product. Events for other products get a book
// on first sight. Product ids are canonicalized with state.Canon.
func New(products []string, levels int, metrics *Metrics, logger *slog.Logger, sinks ...Sink) *Engine {
	if metrics == nil {
		metrics = NewMetrics()
	}
	e := &Engine{
		books:   make(map[string]*book.Book, len(products)),
		levels:  levels,
		sinks:   sinks,
		metrics: metrics,
		log:     logger,
		queries: make(chan request),
	}
	for _, p := range products {
		e.bookFor(p)
	}
	return e
}

func (e *Engine) Metrics() *Metrics { return e.metrics }

// AddSink registers another snapshot consumer. Call it before Run.
func (e *Engine) AddSink(s Sink) { e.sinks = append(e.sinks, s) }

func (e *Engine) bookFor(product string) *book.Book {
	product = state.Canon(product)
	b, ok := e.books[product]
	if !ok {
		b = book.New(product, e.levels, func(s depth.Snapshot) {
			e.pending = append(e.pending, s)
		})
		e.books[product] = b
	}
	return b
}

// Run applies events in arrival order until events is closed or ctx ends.
// Reads requested through Snapshot, Depth and Orders are served between
// two applies, after every event already queued on events.
func (e *Engine) Run(ctx context.Context, events <-chan book.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.apply(ctx, ev)
		case q := <-e.queries:
			open := e.drain(ctx, events)
			q.fn(e.books)
			close(q.done)
			if !open {
				return nil
			}
		}
	}
}

// drain applies the events buffered on events right now. It reports false
// once events is closed.
func (e *Engine) drain(ctx context.Context, events <-chan book.Event) bool {
	for n := len(events); n > 0; n-- {
		ev, ok := <-events
		if !ok {
			return false
		}
		e.apply(ctx, ev)
	}
	return true
}

func (e *Engine) apply(ctx context.Context, ev book.Event) {
	b := e.bookFor(ev.Product)
	out := b.Apply(ev)
	e.metrics.observe(b, ev.Kind, out)
	if out == book.OutcomeStale {
		e.log.Debug("stale event dropped",
			slog.String("product", ev.Product),
			slog.Uint64("sequence", ev.Sequence),
			slog.Uint64("last_sequence", b.LastSequence()),
		)
	}

	for _, snap := range e.pending {
		e.publish(ctx, snap)
	}
	e.pending = e.pending[:0]
}

func (e *Engine) publish(ctx context.Context, snap depth.Snapshot) {
	for _, s := range e.sinks {
		if err := s.Publish(ctx, snap); err != nil {
			e.metrics.SinkError(s.Name())
			e.log.Warn("sink publish failed",
				slog.String("sink", s.Name()),
				slog.String("product", snap.Product),
				slog.String("err", err.Error()),
			)
		}
	}
}

// query runs fn on the engine goroutine, between two applies.
func (e *Engine) query(ctx context.Context, fn func(map[string]*book.Book)) error {
	q := request{fn: fn, done: make(chan struct{})}
	select {
	case e.queries <- q:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) withBook(ctx context.Context, product string, fn func(*book.Book)) error {
	found := false
	err := e.query(ctx, func(books map[string]*book.Book) {
		if b, ok := books[state.Canon(product)]; ok {
			found = true
			fn(b)
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownProduct, product)
	}
	return nil
}

// Snapshot derives the current top of book for product.
func (e *Engine) Snapshot(ctx context.Context, product string) (depth.Snapshot, error) {
	var snap depth.Snapshot
	if err := e.withBook(ctx, product, func(b *book.Book) { snap = b.TopOfBook() }); err != nil {
		return depth.Snapshot{}, err
	}
	return snap, nil
}

// Depth aggregates up to n levels of one side of product's book.
func (e *Engine) Depth(ctx context.Context, product string, side book.Side, n int) ([]depth.LevelSummary, error) {
	var rows []depth.LevelSummary
	if err := e.withBook(ctx, product, func(b *book.Book) { rows = b.Depth(side, n) }); err != nil {
		return nil, err
	}
	return rows, nil
}

// Orders lists the orders resting at one price, in time priority.
func (e *Engine) Orders(ctx context.Context, product string, side book.Side, price decimal.Decimal) ([]book.Order, error) {
	var out []book.Order
	if err := e.withBook(ctx, product, func(b *book.Book) { out = b.Orders(side, price) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Products lists the books the engine holds, sorted.
func (e *Engine) Products(ctx context.Context) ([]string, error) {
	var out []string
	err := e.query(ctx, func(books map[string]*book.Book) {
		out = slices.Sorted(maps.Keys(books))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
