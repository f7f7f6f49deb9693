package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/joho/godotenv"

	"collabtext/internal/assistant"
	"collabtext/internal/logging"
	"collabtext/internal/sequencer"
	"collabtext/internal/store"
	"collabtext/internal/transport"
)

// backend is what the server needs from a sequencing store: ordering and
// fan-out, plus enough bookkeeping to flush changed documents.
type backend interface {
	store.Backend
	store.DirtySource
}

func main() {
	var (
		listenAddr    string
		logLevel      int
		devLogs       bool
		advertise     bool
		flushInterval time.Duration
	)
	flag.StringVar(&listenAddr, "listen", ":8081", "The address the sync server listens on.")
	flag.IntVar(&logLevel, "log-level", 0, "The log level verbosity. 0 is the least verbose, 2 logs every operation.")
	flag.BoolVar(&devLogs, "dev-logs", false, "Human readable logs instead of JSON.")
	flag.BoolVar(&advertise, "mdns", true, "Announce the server on the local network.")
	flag.DurationVar(&flushInterval, "flush-interval", store.DefaultFlushInterval,
		"How often changed documents are written to durable storage.")
	flag.Parse()

	log := logging.New(logLevel, devLogs)
	setupLog := log.WithName("setup")

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		setupLog.Error(err, "could not read .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, os.Getenv("DATABASE_URL"), setupLog)
	if err != nil {
		setupLog.Error(err, "unable to connect to database")
		os.Exit(1)
	}
	defer st.close()

	be := openBackend(ctx, st.loader, setupLog)

	var opts []sequencer.Option
	opts = append(opts, sequencer.WithCatalog(st.catalog))
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		opts = append(opts, sequencer.WithComposer(assistant.NewOpenAI(key, os.Getenv("OPENAI_MODEL"))))
		setupLog.Info("assistant enabled")
	}
	seq := sequencer.New(be, log, opts...)

	flusher := store.NewFlusher(be, st.sink, flushInterval, log)
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		flusher.Run(ctx)
	}()
	defer func() { <-flushed }()

	if advertise {
		if port, err := listenPort(listenAddr); err != nil {
			setupLog.Error(err, "not announcing over mDNS")
		} else if server, err := transport.Register(port, setupLog); err != nil {
			setupLog.Error(err, "not announcing over mDNS")
		} else {
			defer server.Shutdown()
		}
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           seq.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		seq.Close()
	}()

	setupLog.Info("CollabText sync server starting", "addr", listenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		setupLog.Error(err, "server failed")
		os.Exit(1)
	}
	<-ctx.Done()
	setupLog.Info("shutting down")
}

// storage is where documents live beyond the Redis cache. The loader fills
// cache misses and the sink receives flushed content; they must be the same
// store or edits revert when cached content expires.
type storage struct {
	catalog store.Catalog
	loader  store.Loader
	sink    store.ContentSink
	close   func()
}

// openStorage connects to PostgreSQL when dbURL is set and otherwise keeps
// documents in memory.
func openStorage(ctx context.Context, dbURL string, log logr.Logger) (storage, error) {
	if dbURL == "" {
		mc := store.NewMemoryCatalog()
		log.Info("DATABASE_URL not set, documents live in memory only")
		return storage{catalog: mc, loader: mc, sink: mc, close: func() {}}, nil
	}
	pg, err := store.OpenPostgres(ctx, dbURL)
	if err != nil {
		return storage{}, err
	}
	log.Info("connected to PostgreSQL")
	return storage{catalog: pg, loader: pg, sink: pg, close: pg.Close}, nil
}

// openBackend prefers Redis so several server instances can share documents,
// and runs standalone on the in-memory backend when Redis is unreachable.
func openBackend(ctx context.Context, loader store.Loader, log logr.Logger) backend {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb, err := store.ConnectRedis(ctx, addr)
	if err != nil {
		log.Info("Redis unavailable, sequencing in memory", "addr", addr, "error", err.Error())
		return store.NewMemory(loader)
	}
	log.Info("connected to Redis", "addr", addr)
	return store.NewRedis(rdb, loader)
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
