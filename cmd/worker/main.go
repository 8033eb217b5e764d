// Command worker runs the push-model task consumer (§4.5, §4.6): claim a
// lease from the Backend, stream bytes from the Gateway, decode, report.
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
	"github.com/gaby/ndsfabric/internal/version"
	"github.com/gaby/ndsfabric/internal/worker"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config file (json)")
	flag.Parse()

	cfg := config.DefaultWorker()
	if err := config.Load(cfgPath, &cfg); err != nil {
		log.Fatalf("worker: config load: %v", err)
	}
	config.ApplyEnvOverlay(&cfg.Server.Addr, &cfg.BackendURL, &cfg.GatewayURL)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("worker: config validate: %v", err)
	}

	backend := worker.NewHTTPBackendClient(cfg.BackendURL)
	gateway := worker.NewWSGatewayClient(wsURL(cfg.GatewayURL))
	pool := worker.NewPool(backend, gateway, worker.DefaultDecoder{}, worker.Config{
		Capacity:     cfg.Capacity,
		PollInterval: cfg.PollInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go pool.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pool.Status())
	})
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	log.Printf("worker: version %s listening on %s", version.Version, cfg.Server.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("worker: serve: %v", err)
	}
}

// wsURL rewrites an http(s):// Gateway base URL to ws(s):// for the
// streaming read client.
func wsURL(base string) string {
	switch {
	case len(base) >= 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	case len(base) >= 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	default:
		return base
	}
}
