package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"l3book/internal/coinbase"
	"l3book/internal/config"
	"l3book/internal/engine"
	"l3book/internal/server"
	"l3book/internal/state"
)

func main() {
	path := "config.yaml"
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			path = args[i+1]
			i++
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", path, err)
		os.Exit(1)
	}

	logger, syncLog := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = syncLog() }()

	logger.Info("l3book starting",
		slog.Int("port", cfg.Port),
		slog.Any("products", cfg.Products),
		slog.String("feed_url", cfg.FeedURL),
		slog.Int("depth", cfg.Depth),
		slog.Bool("authenticated", cfg.Credentials.Enabled()),
	)

	// State
	st := state.NewState(cfg.PushInterval())

	// Books + sinks
	metrics := engine.NewMetrics()
	eng := engine.New(cfg.Products, cfg.Depth, metrics, logger, st)
	if cfg.PrintTopOfBook {
		eng.AddSink(engine.NewConsoleSink(os.Stdout))
	}
	var kafkaSink *engine.KafkaSink
	if cfg.Kafka.Enabled {
		kafkaSink = engine.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, func(err error) {
			metrics.SinkError("kafka")
			logger.Warn("kafka delivery failed", slog.String("err", err.Error()))
		})
		eng.AddSink(kafkaSink)
		logger.Info("kafka sink enabled",
			slog.Any("brokers", cfg.Kafka.Brokers),
			slog.String("topic", cfg.Kafka.Topic),
		)
	}

	// HTTP server + WS hub
	srv := server.NewHTTPServer(cfg, st, eng, metrics.Handler(), logger)
	eng.AddSink(srv)

	var feed coinbase.Feed = coinbase.NewWebsocketFeed(coinbase.Options{
		URL:        cfg.FeedURL,
		Products:   cfg.Products,
		Channel:    cfg.Channel,
		Creds:      cfg.Credentials,
		MaxBackoff: cfg.MaxBackoff(),
		Buffer:     cfg.EventBuffer,
		OnDrop:     metrics.Drop,
	}, logger)

	// Context & signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start feed (connect loop)
	go feed.Run(ctx, func(connected bool) {
		st.SetConnected(connected)
		srv.BroadcastStatus()
	})

	// Pipe feed → books → sinks. The engine stops when the feed closes
	// its event channel.
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx, feed.Events()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine stopped", slog.String("err", err.Error()))
		}
	}()

	go func() {
		for err := range feed.Errors() {
			logger.Error("feed error", slog.String("err", err.Error()))
			srv.BroadcastError(err.Error())
		}
	}()

	// HTTP serving
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		logger.Info("HTTP server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("err", err.Error()))
			cancel()
		}
		close(done)
	}()

	// Graceful shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shCtx, shCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shCancel()

	_ = httpSrv.Shutdown(shCtx)
	feed.Close()
	<-engineDone
	srv.Close()
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.Warn("kafka close", slog.String("err", err.Error()))
		}
	}
	<-done
	logger.Info("bye")
}
