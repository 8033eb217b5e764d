// Command gateway runs the stateless connection-fronting service described
// in §6: it owns every live NDS session and exposes scan/zip-info/read over
// HTTP and WebSocket. Bootstrap follows the teacher's cmd/edrmount/main.go
// shape: parse flags, load+validate config, build the service, start its
// background loops on a cancellable context, then ListenAndServe.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gaby/ndsfabric/internal/config"
	"github.com/gaby/ndsfabric/internal/gateway"
	"github.com/gaby/ndsfabric/internal/version"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config file (json)")
	flag.Parse()

	cfg := config.DefaultGateway()
	if err := config.Load(cfgPath, &cfg); err != nil {
		log.Fatalf("gateway: config load: %v", err)
	}
	config.ApplyEnvOverlay(&cfg.Server.Addr, &cfg.BackendURL, nil)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("gateway: config validate: %v", err)
	}

	backend := newBackendNDSClient(cfg.BackendURL)
	srv := gateway.New(backend, gateway.Config{
		ConnectTimeout: cfg.ConnectTO,
		WSChunkBytes:   cfg.ChunkBytes,
		ArchiveTTL:     cfg.ArchiveTTL,
		ArchiveCap:     cfg.ArchiveCap,
		PoolMaxIdle:    cfg.Pool.MaxIdle,
		PoolSweepInt:   cfg.Pool.SweepInt,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.ReconcilePool(ctx); err != nil {
		log.Printf("gateway: initial pool reconcile failed: %v", err)
	}
	go srv.PoolRegistry().Run(ctx)

	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	log.Printf("gateway: version %s listening on %s", version.Version, cfg.Server.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway: serve: %v", err)
	}
}
