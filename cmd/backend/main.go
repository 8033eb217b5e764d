// Command backend runs the metadata-store + Dispatcher service (§4.5,
// §4.6, §6): it owns NDSFile/NDSConfig persistence and the atomic task
// reservation Scanner feeds and Worker drains.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gaby/ndsfabric/internal/backendsvc"
	"github.com/gaby/ndsfabric/internal/config"
	"github.com/gaby/ndsfabric/internal/metadatastore"
	"github.com/gaby/ndsfabric/internal/version"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config file (json)")
	flag.Parse()

	cfg := config.DefaultBackend()
	if err := config.Load(cfgPath, &cfg); err != nil {
		log.Fatalf("backend: config load: %v", err)
	}
	config.ApplyEnvOverlay(&cfg.Server.Addr, nil, nil)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("backend: config validate: %v", err)
	}

	store, err := metadatastore.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("backend: open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	janitor := &metadatastore.Janitor{Store: store, LeaseTimeout: cfg.LeaseTimeout, Tick: cfg.JanitorTick}
	go janitor.Run(ctx)

	srv := backendsvc.New(store)
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	log.Printf("backend: version %s listening on %s", version.Version, cfg.Server.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("backend: serve: %v", err)
	}
}
