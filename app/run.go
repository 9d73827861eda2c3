package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/umich-balloons/balloontrack/broker"
	"github.com/umich-balloons/balloontrack/ingest"
	"github.com/umich-balloons/balloontrack/monitoring"
	"github.com/umich-balloons/balloontrack/realtime"
	"github.com/umich-balloons/balloontrack/scheduler"
	"github.com/umich-balloons/balloontrack/security"
	"github.com/umich-balloons/balloontrack/storage"
	"github.com/umich-balloons/balloontrack/telemetry"
)

// Run is the main CLI action. It wires the broker, storage, worker fabric,
// scheduler, realtime fan-out, and HTTP surface, then serves until the
// shutdown signal arrives.
func Run(ctx context.Context, c *cli.Command) error {
	listen := c.String("server.listen")
	enableMetrics := c.Bool("metrics.enabled")
	tracingEndpoint := c.String("tracing.endpoint")
	resolution := int(c.Int("spatial.resolution"))

	if c.Bool("debug") {
		monitoring.SetLogLevel("debug")
	} else {
		monitoring.SetLogLevel(c.String("log.level"))
	}

	shutdownTracer := monitoring.InitTracer(tracingEndpoint, "balloontrack")
	defer shutdownTracer()

	verifier, err := security.NewVerifier(c.String("security.public-key-file"))
	if err != nil {
		return err
	}

	br, err := broker.Connect(ctx, c.String("broker.url"), int(c.Int("broker.queue-db")), int(c.Int("broker.cache-db")))
	if err != nil {
		return err
	}
	defer br.Close()

	store, err := storage.Open(ctx, storage.Config{
		URL:      c.String("db.url"),
		MaxConns: int32(c.Int("db.max-conns")),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	// Worker fabric: protocol workers plus the manual trigger handlers, all
	// drained by one dispatcher off the broker lists.
	pipeline := &ingest.Pipeline{
		Store:  store,
		Broker: br,
		Normalizer: &telemetry.Normalizer{
			StrictVoltage: c.Bool("normalize.strict-voltage"),
		},
	}
	sched := scheduler.New(store)
	dispatcher := ingest.NewDispatcher(br, map[string]ingest.Handler{
		broker.ListAPRS:          pipeline.ProcessAPRS,
		broker.ListIridium:       pipeline.ProcessIridium,
		broker.ListLoRa:          pipeline.ProcessLoRa,
		broker.ListPredictFlight: sched.HandleManualPrediction,
		broker.ListGetPath:       sched.HandleManualPath,
	})

	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	go dispatcher.Run(workCtx)
	sched.Start(workCtx)

	// Realtime fan-out: registry shared between the pub/sub subscriber and
	// the viewport WebSocket handler.
	registry := realtime.NewRegistry()
	rt := &realtime.Dispatcher{Broker: br, Registry: registry, Resolution: resolution}
	go rt.Run(workCtx)

	ws := &realtime.WSHandler{
		Registry:   registry,
		Store:      store,
		Broker:     br,
		Resolution: resolution,
	}

	api := &ingest.API{Broker: br, Store: store, Verifier: verifier}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// WebSocket endpoint on the root router without wrapping middlewares so
	// http.Hijacker keeps working during the upgrade.
	r.Get("/ws", ws.ServeHTTP)

	// Subrouter for regular HTTP routes with the full middleware stack.
	rest := chi.NewRouter()
	rest.Use(middleware.Compress(5))
	rest.Use(middleware.Timeout(15 * time.Second))
	rest.Use(monitoring.TracingMiddleware)
	rest.Use(monitoring.MetricsMiddleware)
	rest.Use(monitoring.LoggingMiddleware)

	if enableMetrics {
		rest.Handle("/metrics", monitoring.PrometheusHandler())
	}
	api.Routes(rest)
	r.Mount("/", rest)

	log.Printf("Server listening on %s\n", listen)
	srv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Printf("Shutdown signal received, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// Cancel the dispatcher pop, workers, scheduler, and realtime loop;
		// in-flight DB transactions finish or roll back on their own.
		stopWork()
		<-errCh
		return nil
	case err := <-errCh:
		stopWork()
		return err
	}
}
