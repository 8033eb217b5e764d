// Command scanner runs the per-NDS periodic discovery loop (§4.4): list via
// the Gateway, diff against the Backend, parse zip-info, and submit new
// rows. It also exposes a small status endpoint, the supplemented
// per-process visibility surface the spec's "status reporting" requirement
// needs a home for.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gaby/ndsfabric/internal/config"
	"github.com/gaby/ndsfabric/internal/scanner"
	"github.com/gaby/ndsfabric/internal/version"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config file (json)")
	flag.Parse()

	cfg := config.DefaultScanner()
	if err := config.Load(cfgPath, &cfg); err != nil {
		log.Fatalf("scanner: config load: %v", err)
	}
	config.ApplyEnvOverlay(&cfg.Server.Addr, &cfg.BackendURL, &cfg.GatewayURL)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("scanner: config validate: %v", err)
	}

	backend := scanner.NewHTTPBackendClient(cfg.BackendURL)
	gateway := scanner.NewHTTPGatewayClient(cfg.GatewayURL)
	sup := scanner.NewSupervisor(backend, gateway, scanner.Config{
		ScanInterval:      cfg.ScanInterval,
		TaskCheckInterval: cfg.TaskCheckInterval,
		MinSleep:          cfg.MinSleep,
		ZipInfoBatchSize:  cfg.ZipInfoBatchSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go sup.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"nds": sup.Status()})
	})
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	log.Printf("scanner: version %s listening on %s", version.Version, cfg.Server.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("scanner: serve: %v", err)
	}
}
