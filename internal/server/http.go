package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"l3book/internal/book"
	"l3book/internal/config"
	"l3book/internal/depth"
	"l3book/internal/engine"
	"l3book/internal/state"
)

const queryTimeout = 2 * time.Second

// BookReader answers reads against the live books.
type BookReader interface {
	Snapshot(ctx context.Context, product string) (depth.Snapshot, error)
	Depth(ctx context.Context, product string, side book.Side, n int) ([]depth.LevelSummary, error)
	Orders(ctx context.Context, product string, side book.Side, price decimal.Decimal) ([]book.Order, error)
	Products(ctx context.Context) ([]string, error)
}

type HTTPServer struct {
	cfg     config.Config
	st      *state.State
	books   BookReader
	metrics http.Handler
	hub     *hub
	log     *slog.Logger
	mux     *http.ServeMux
}

func NewHTTPServer(cfg config.Config, st *state.State, books BookReader, metrics http.Handler, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		cfg:     cfg,
		st:      st,
		books:   books,
		metrics: metrics,
		log:     logger,
		mux:     http.NewServeMux(),
	}
	s.hub = newHub(logger, s.welcome)
	s.routes()
	go s.hub.run()
	return s
}

func (s *HTTPServer) Router() http.Handler { return s.mux }

// Close disconnects every websocket client.
func (s *HTTPServer) Close() { s.hub.stop() }

// --------- WS broadcasts ----------

func (s *HTTPServer) statusMessage() []byte {
	return marshalWS("status", map[string]any{
		"connected": s.st.Connected(),
		"products":  s.cfg.Products,
	})
}

// welcome is what a browser receives right after connecting.
func (s *HTTPServer) welcome() [][]byte {
	msgs := [][]byte{s.statusMessage()}
	for _, p := range s.st.Products() {
		if snap, ok := s.st.Latest(p); ok {
			msgs = append(msgs, marshalWS("book", snap))
		}
	}
	return msgs
}

func (s *HTTPServer) BroadcastStatus() { s.hub.send(s.statusMessage()) }

func (s *HTTPServer) BroadcastError(msg string) {
	s.hub.send(marshalWS("error", map[string]string{"message": msg}))
}

func (s *HTTPServer) Name() string { return "ws" }

// Publish pushes a top-of-book snapshot to browsers, at most once per push
// interval per product. It never blocks the caller.
func (s *HTTPServer) Publish(_ context.Context, snap depth.Snapshot) error {
	if !s.st.AllowPush(snap.Product, time.Now()) {
		return nil
	}
	if !s.hub.send(marshalWS("book", snap)) {
		return errors.New("ws broadcast buffer full")
	}
	return nil
}

// --------- Routes ----------

func (s *HTTPServer) routes() {
	s.mux.HandleFunc("/ws", s.hub.serveWS)

	s.mux.HandleFunc("/api/health", s.apiHealth)
	s.mux.HandleFunc("/api/config", s.apiConfig)
	s.mux.HandleFunc("/api/book", s.apiBook)
	s.mux.HandleFunc("/api/depth", s.apiDepth)
	s.mux.HandleFunc("/api/orders", s.apiOrders)
	s.mux.HandleFunc("/api/snapshot", s.apiSnapshot)

	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
}

func (s *HTTPServer) apiHealth(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	writeJSON(w, map[string]any{
		"ok":        true,
		"connected": s.st.Connected(),
		"clients":   s.hub.count(),
	})
}

func (s *HTTPServer) apiConfig(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	books, err := s.books.Products(ctx)
	if err != nil {
		s.queryError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"products":       s.cfg.Products,
		"books":          books,
		"channel":        s.cfg.Channel,
		"depth":          s.cfg.Depth,
		"authenticated":  s.cfg.Credentials.Enabled(),
		"printTopOfBook": s.cfg.PrintTopOfBook,
		"kafka":          s.cfg.Kafka.Enabled,
		"pushIntervalMs": s.cfg.PushIntervalMS,
	})
}

// bookView is a top-of-book snapshot with its spread, absent while either
// side is empty.
type bookView struct {
	depth.Snapshot
	Spread *decimal.Decimal `json:"spread,omitempty"`
}

func newBookView(snap depth.Snapshot) bookView {
	v := bookView{Snapshot: snap}
	if spread, ok := snap.Spread(); ok {
		v.Spread = &spread
	}
	return v
}

// GET /api/book?product=BTC-USD derives the top of book now.
func (s *HTTPServer) apiBook(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	product, ok := productParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	snap, err := s.books.Snapshot(ctx, product)
	if err != nil {
		s.queryError(w, err)
		return
	}
	writeJSON(w, newBookView(snap))
}

// GET /api/depth?product=BTC-USD&side=BID&levels=10
func (s *HTTPServer) apiDepth(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	product, ok := productParam(w, r)
	if !ok {
		return
	}
	side, ok := sideParam(w, r)
	if !ok {
		return
	}
	levels := s.cfg.Depth
	if v := r.URL.Query().Get("levels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 50 {
			http.Error(w, "levels must be between 1 and 50", http.StatusBadRequest)
			return
		}
		levels = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	rows, err := s.books.Depth(ctx, product, side, levels)
	if err != nil {
		s.queryError(w, err)
		return
	}
	writeJSON(w, map[string]any{"product": product, "side": side.Label(), "levels": rows})
}

type orderView struct {
	ID       string          `json:"id"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Sequence uint64          `json:"sequence"`
}

// GET /api/orders?product=BTC-USD&side=ASK&price=101.5 lists one level's
// queue, head first.
func (s *HTTPServer) apiOrders(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	product, ok := productParam(w, r)
	if !ok {
		return
	}
	side, ok := sideParam(w, r)
	if !ok {
		return
	}
	price, err := decimal.NewFromString(r.URL.Query().Get("price"))
	if err != nil {
		http.Error(w, "price required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	orders, err := s.books.Orders(ctx, product, side, price)
	if err != nil {
		s.queryError(w, err)
		return
	}
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderView{ID: o.ID, Price: o.Price, Quantity: o.Quantity, Sequence: o.Sequence})
	}
	writeJSON(w, map[string]any{"product": product, "side": side.Label(), "price": price, "orders": out})
}

// GET /api/snapshot?product=BTC-USD returns the last snapshot published
// after a fill, without touching the engine.
func (s *HTTPServer) apiSnapshot(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	product, ok := productParam(w, r)
	if !ok {
		return
	}
	snap, ok := s.st.Latest(product)
	if !ok {
		http.Error(w, "no snapshot yet", http.StatusNotFound)
		return
	}
	writeJSON(w, newBookView(snap))
}

func (s *HTTPServer) queryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownProduct):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, "book busy", http.StatusServiceUnavailable)
	default:
		s.log.Error("book query", slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func requireGET(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "GET required", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func productParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := state.Canon(r.URL.Query().Get("product"))
	if p == "" {
		http.Error(w, "product required", http.StatusBadRequest)
		return "", false
	}
	return p, true
}

func sideParam(w http.ResponseWriter, r *http.Request) (book.Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("side"))) {
	case "ASK", "SELL":
		return book.Sell, true
	case "BID", "BUY", "":
		return book.Buy, true
	}
	http.Error(w, "side must be ASK or BID", http.StatusBadRequest)
	return book.Buy, false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
