// Package config holds the typed configuration for each of the four NDS
// pipeline services, following the teacher's pattern of a single JSON-backed
// Config struct per binary with a Default(), Load() and Validate().
package config

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server is the HTTP listen configuration shared by all four services.
type Server struct {
	Addr string `json:"addr" validate:"required"`
}

// PoolDefaults controls the per-NDS bounded connection pool (§4.2).
// cmd/gateway passes MaxIdle and SweepInt to the pool registry; Size is not
// read, and every NDS is registered with a pool size of 2.
type PoolDefaults struct {
	Size     int           `json:"size"`
	MaxIdle  time.Duration `json:"max_idle"`
	SweepInt time.Duration `json:"sweep_interval"`
}

func (p PoolDefaults) withDefaults() PoolDefaults {
	if p.Size <= 0 {
		p.Size = 2
	}
	if p.MaxIdle <= 0 {
		p.MaxIdle = 300 * time.Second
	}
	if p.SweepInt <= 0 {
		p.SweepInt = 60 * time.Second
	}
	return p
}

// GatewayConfig is cmd/gateway's configuration.
type GatewayConfig struct {
	Server     Server        `json:"server"`
	BackendURL string        `json:"backend_url"`
	Pool       PoolDefaults  `json:"pool"`
	ConnectTO  time.Duration `json:"connect_timeout"`
	ChunkBytes int64         `json:"ws_chunk_bytes"`
	ArchiveTTL time.Duration `json:"archive_cache_ttl"`
	ArchiveCap uint64        `json:"archive_cache_capacity"`
}

func DefaultGateway() GatewayConfig {
	return GatewayConfig{
		Server:     Server{Addr: ":8081"},
		Pool:       PoolDefaults{}.withDefaults(),
		ConnectTO:  30 * time.Second,
		ChunkBytes: 512 * 1024,
		ArchiveTTL: 10 * time.Minute,
		ArchiveCap: 4096,
	}
}

func (c GatewayConfig) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr required")
	}
	if c.ChunkBytes <= 0 {
		return errors.New("ws_chunk_bytes must be > 0")
	}
	return nil
}

// BackendConfig is cmd/backend's configuration: owns the metadata store.
type BackendConfig struct {
	Server       Server        `json:"server"`
	DBPath       string        `json:"db_path"`
	LeaseTimeout time.Duration `json:"lease_timeout"`
	JanitorTick  time.Duration `json:"janitor_interval"`
}

func DefaultBackend() BackendConfig {
	return BackendConfig{
		Server:       Server{Addr: ":8082"},
		DBPath:       "/data/ndsfabric.db",
		LeaseTimeout: 10 * time.Minute,
		JanitorTick:  60 * time.Second,
	}
}

func (c BackendConfig) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("db_path required")
	}
	if c.LeaseTimeout <= 0 {
		return errors.New("lease_timeout must be > 0")
	}
	return nil
}

// ScannerConfig is cmd/scanner's configuration: one process, N NDS task loops.
type ScannerConfig struct {
	Server            Server        `json:"server"`
	BackendURL        string        `json:"backend_url"`
	GatewayURL        string        `json:"gateway_url"`
	ScanInterval      time.Duration `json:"scan_interval"`
	TaskCheckInterval time.Duration `json:"task_check_interval"`
	MinSleep          time.Duration `json:"min_sleep"`
	ZipInfoBatchSize  int           `json:"zip_info_batch_size"`
}

func DefaultScanner() ScannerConfig {
	return ScannerConfig{
		Server:            Server{Addr: ":8083"},
		ScanInterval:      300 * time.Second,
		TaskCheckInterval: 30 * time.Second,
		MinSleep:          5 * time.Second,
		ZipInfoBatchSize:  2,
	}
}

func (c ScannerConfig) Validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return errors.New("backend_url required")
	}
	if strings.TrimSpace(c.GatewayURL) == "" {
		return errors.New("gateway_url required")
	}
	if c.ZipInfoBatchSize <= 0 {
		return errors.New("zip_info_batch_size must be > 0")
	}
	return nil
}

// WorkerConfig is cmd/worker's configuration.
type WorkerConfig struct {
	Server       Server        `json:"server"`
	BackendURL   string        `json:"backend_url"`
	GatewayURL   string        `json:"gateway_url"`
	Capacity     int           `json:"capacity"` // 0 = 2*NumCPU-1
	PollInterval time.Duration `json:"poll_interval"`
}

func DefaultWorker() WorkerConfig {
	return WorkerConfig{
		Server:       Server{Addr: ":8084"},
		PollInterval: 1 * time.Second,
	}
}

func (c WorkerConfig) Validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return errors.New("backend_url required")
	}
	if strings.TrimSpace(c.GatewayURL) == "" {
		return errors.New("gateway_url required")
	}
	return nil
}

// Load reads a JSON config file into dst (a pointer to one of the *Config
// types above), leaving dst untouched when path is empty or missing,
// mirroring the teacher's Load(path)/EnsureConfigFile pattern.
func Load(path string, dst any) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(b, dst)
}

// ApplyEnvOverlay overlays the SERVICE_HOST/SERVICE_PORT/BACKEND_URL/
// GATEWAY_URL environment variables per §6's CLI & env contract, and returns
// SERVICE_NAME/NODE_TYPE for the caller to log/register with.
func ApplyEnvOverlay(addr *string, backendURL, gatewayURL *string) (serviceName, nodeType string) {
	host := os.Getenv("SERVICE_HOST")
	port := os.Getenv("SERVICE_PORT")
	if host != "" || port != "" {
		h, p := splitHostPort(*addr)
		if host != "" {
			h = host
		}
		if port != "" {
			p = port
		}
		*addr = h + ":" + p
	}
	if v := os.Getenv("BACKEND_URL"); v != "" && backendURL != nil {
		*backendURL = v
	}
	if v := os.Getenv("GATEWAY_URL"); v != "" && gatewayURL != nil {
		*gatewayURL = v
	}
	return os.Getenv("SERVICE_NAME"), os.Getenv("NODE_TYPE")
}

func splitHostPort(addr string) (string, string) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}

// MustAtoi parses s as an int, returning def when s is blank or not a number.
func MustAtoi(s string, def int) int {
	if strings.TrimSpace(s) == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
