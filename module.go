package durablestreams

import (
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/durastream/durastream/store"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// sweepInterval is how often a provisioned handler sweeps expired streams.
const sweepInterval = 30 * time.Second

// Handler implements the Durable Streams Protocol as a Caddy HTTP handler
type Handler struct {
	// DataDir is the directory for storing stream data
	// If empty, uses in-memory storage (for testing)
	DataDir string `json:"data_dir,omitempty"`

	// MaxFileHandles is the maximum number of open file handles to cache
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is how often SSE connections should reconnect
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// RingSize bounds the per-producer duplicate-commit ring. 0 uses
	// store.DefaultRingSize.
	RingSize int `json:"ring_size,omitempty"`

	// MaxInFlight caps concurrent in-flight appends per stream before
	// new appends are rejected with 503 + Retry-After. 0 is unbounded.
	MaxInFlight int `json:"max_in_flight,omitempty"`

	// MetadataBackend selects the embedded database backing stream
	// metadata when DataDir is set: "bbolt" (default) or "lmdb".
	MetadataBackend string `json:"metadata_backend,omitempty"`

	// ArchiveDSN, if set, attaches a DuckDB archive sink at this DSN
	// (a file path) that mirrors every committed record for ad hoc SQL
	// analytics. When empty, no archive sink is attached.
	ArchiveDSN string `json:"archive_dsn,omitempty"`

	store        store.Store
	logger       *zap.Logger
	archive      store.ArchiveSink
	sweepStop    chan struct{}
}

// CaddyModule returns the Caddy module information
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	// Set defaults
	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}

	if h.ArchiveDSN != "" {
		sink, err := store.NewDuckDBArchiveSink(h.ArchiveDSN)
		if err != nil {
			return fmt.Errorf("failed to open archive sink: %w", err)
		}
		h.archive = sink
		h.logger.Info("duckdb archive sink enabled", zap.String("dsn", h.ArchiveDSN))
	}

	// Initialize store
	if h.DataDir == "" {
		h.store = store.NewMemoryStoreWithConfig(store.MemoryStoreConfig{
			RingSize:    h.RingSize,
			MaxInFlight: h.MaxInFlight,
			Archive:     h.archive,
		})
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		backend := store.MetadataBackend(h.MetadataBackend)
		fileStore, err := store.NewFileStore(store.FileStoreConfig{
			DataDir:         h.DataDir,
			MaxFileHandles:  h.MaxFileHandles,
			RingSize:        h.RingSize,
			MaxInFlight:     h.MaxInFlight,
			Archive:         h.archive,
			MetadataBackend: backend,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize file store: %w", err)
		}
		h.store = fileStore
		h.logger.Info("using file-backed store",
			zap.String("data_dir", h.DataDir),
			zap.String("metadata_backend", string(backend)))
	}

	h.sweepStop = make(chan struct{})
	go h.runSweeper()

	return nil
}

// runSweeper periodically removes expired streams in the background until
// Cleanup closes sweepStop.
func (h *Handler) runSweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := h.store.Sweep(time.Now()); err != nil {
				h.logger.Error("sweep failed", zap.Error(err))
			}
		case <-h.sweepStop:
			return
		}
	}
}

// Validate ensures the handler configuration is valid
func (h *Handler) Validate() error {
	switch store.MetadataBackend(h.MetadataBackend) {
	case "", store.MetadataBackendBbolt, store.MetadataBackendLMDB:
	default:
		return fmt.Errorf("unknown metadata_backend %q", h.MetadataBackend)
	}
	return nil
}

// Cleanup releases resources
func (h *Handler) Cleanup() error {
	if h.sweepStop != nil {
		close(h.sweepStop)
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    max_file_handles 100
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    ring_size 32
//	    max_in_flight 64
//	    metadata_backend bbolt
//	    archive_dsn /var/lib/durable-streams/archive.duckdb
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxFileHandles, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "ring_size":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.RingSize, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid ring_size: %v", err)
				}
			case "max_in_flight":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxInFlight, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_in_flight: %v", err)
				}
			case "metadata_backend":
				if !d.Args(&h.MetadataBackend) {
					return d.ArgErr()
				}
			case "archive_dsn":
				if !d.Args(&h.ArchiveDSN) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
