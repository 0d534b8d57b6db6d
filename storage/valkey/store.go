package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/edgewall/reqguard/security"
	"github.com/edgewall/reqguard/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "reqguard:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// hashLogLength is the number of characters of a token hash to include in
	// debug logs
	hashLogLength = 8
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "reqguard:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// MaxTokensPerSession bounds each session's token set (default 10)
	MaxTokensPerSession int

	// Clock is the time source (default security.SystemClock). Window and
	// expiry arithmetic is computed client-side from this clock so behavior
	// stays deterministic in tests.
	Clock security.Clock

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.TokenStore and
// storage.RateWindowStore, for deployments where guard state must be shared
// across instances. Every unreachable-backend error is wrapped with
// storage.ErrStoreUnavailable so guards can apply their fail-open or
// fail-closed policy.
type Store struct {
	client              valkeygo.Client
	prefix              string
	maxTokensPerSession int
	clock               security.Clock
	logger              *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.RateWindowStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = security.SystemClock
	}

	capacity := cfg.MaxTokensPerSession
	if capacity <= 0 {
		capacity = 10
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:              client,
		prefix:              prefix,
		maxTokensPerSession: capacity,
		clock:               clock,
		logger:              logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "csrf:sess:" + sessionID
}

func (s *Store) expiryIndexKey() string {
	return s.prefix + "csrf:exp"
}

func (s *Store) rateKey(key string) string {
	return s.prefix + "rate:" + key
}

// unavailable wraps a transport-level error as a distinguishable storage
// availability error.
func unavailable(op string, err error) error {
	return fmt.Errorf("valkey %s: %w", op, storage.Unavailable(err))
}
