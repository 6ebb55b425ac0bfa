package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"l3book/internal/book"
)

const (
	DefaultURL     = "wss://ws-feed.exchange.coinbase.com"
	DefaultChannel = "full"

	readTimeout    = 60 * time.Second
	pingInterval   = 25 * time.Second
	confirmTimeout = 10 * time.Second
)

type Feed interface {
	Run(ctx context.Context, onStatus func(connected bool))
	Events() <-chan book.Event
	Errors() <-chan error
	Connected() bool
	Close()
}

type Options struct {
	URL        string
	Products   []string
	Channel    string
	Creds      Credentials
	MaxBackoff time.Duration
	Buffer     int
	// OnDrop is called with a DropReason label for every frame that fails
	// to decode into a book event.
	OnDrop func(reason string)
}

// WebsocketFeed subscribes to the Exchange websocket and turns every frame
// into a book event. It reconnects with exponential backoff until its
// context ends. Events are delivered only after the venue has confirmed
// the subscription.
type WebsocketFeed struct {
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	connected bool
	closed    bool

	evCh  chan book.Event
	errCh chan error

	cancel context.CancelFunc
}

func NewWebsocketFeed(opts Options, logger *slog.Logger) *WebsocketFeed {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 4096
	}
	if opts.OnDrop == nil {
		opts.OnDrop = func(string) {}
	}
	return &WebsocketFeed{
		opts:  opts,
		log:   logger,
		evCh:  make(chan book.Event, opts.Buffer),
		errCh: make(chan error, 16),
	}
}

func (f *WebsocketFeed) Events() <-chan book.Event { return f.evCh }
func (f *WebsocketFeed) Errors() <-chan error      { return f.errCh }

func (f *WebsocketFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *WebsocketFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// Close stops Run. Run closes the event and error channels on its way out.
// A Run that starts after Close returns at once.
func (f *WebsocketFeed) Close() {
	f.mu.Lock()
	f.closed = true
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *WebsocketFeed) Run(ctx context.Context, onStatus func(connected bool)) {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	if f.closed {
		f.cancel()
	}
	f.mu.Unlock()

	defer func() {
		close(f.evCh)
		close(f.errCh)
	}()

	backoff := time.Second
	for ctx.Err() == nil {
		err := f.session(ctx, func() {
			f.setConnected(true)
			onStatus(true)
			backoff = time.Second
		})
		if f.Connected() {
			f.setConnected(false)
			onStatus(false)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.emitErr(err)
		}

		f.log.Info("feed reconnecting", slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, f.opts.MaxBackoff)
	}
}

// session runs one connection: dial, subscribe, wait for the venue to
// confirm, then pump frames until the connection fails or ctx ends.
func (f *WebsocketFeed) session(ctx context.Context, onConfirmed func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.opts.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if err := f.subscribe(ws); err != nil {
		return err
	}
	f.log.Info("feed subscribed",
		slog.String("url", f.opts.URL),
		slog.Any("products", f.opts.Products),
		slog.String("channel", f.opts.Channel),
		slog.Bool("authenticated", f.opts.Creds.Enabled()),
	)
	onConfirmed()

	return f.readLoop(ctx, ws)
}

func (f *WebsocketFeed) subscribe(ws *websocket.Conn) error {
	req, err := newSubscribeRequest(f.opts.Products, f.opts.Channel, f.opts.Creds, time.Now())
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := ws.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(confirmTimeout))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("subscribe confirm: %w", err)
		}
		var ack struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(data, &ack); err != nil {
			continue
		}
		switch ack.Type {
		case "subscriptions":
			return nil
		case "error":
			return fmt.Errorf("%w: %s (%s)", ErrSubscribe, ack.Message, ack.Reason)
		}
		// anything before the confirmation is discarded
	}
}

func (f *WebsocketFeed) readLoop(ctx context.Context, ws *websocket.Conn) error {
	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go keepalive(ws, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		ev, err := Decode(data)
		if err != nil {
			if !errors.Is(err, ErrUnhandledType) {
				f.log.Debug("frame dropped", slog.String("err", err.Error()))
				f.opts.OnDrop(DropReason(err))
			}
			continue
		}

		select {
		case f.evCh <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// keepalive pings until done is closed. WriteControl may run concurrently
// with the reader.
func keepalive(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (f *WebsocketFeed) emitErr(err error) {
	select {
	case f.errCh <- err:
	default:
		// drop if buffer full
	}
}

// ---------- Test/mock feed ----------

type MockFeed struct {
	mu        sync.Mutex
	events    chan book.Event
	errors    chan error
	connected bool
	closed    bool
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewMockFeed() *MockFeed {
	return &MockFeed{
		events:    make(chan book.Event, 64),
		errors:    make(chan error, 8),
		connected: true,
	}
}

func (m *MockFeed) Run(ctx context.Context, onStatus func(connected bool)) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	if m.closed {
		cancel()
	}
	m.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	onStatus(m.Connected())
	<-ctx.Done()
}

func (m *MockFeed) Events() <-chan book.Event { return m.events }
func (m *MockFeed) Errors() <-chan error      { return m.errors }

func (m *MockFeed) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockFeed) Close() {
	m.mu.Lock()
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.closeOnce.Do(func() {
		close(m.events)
		close(m.errors)
	})
}

// Helpers for tests
func (m *MockFeed) SendEvent(ev book.Event) { m.events <- ev }
func (m *MockFeed) SendError(err error)     { m.errors <- err }
func (m *MockFeed) SetConnected(c bool) {
	m.mu.Lock()
	m.connected = c
	m.mu.Unlock()
}
