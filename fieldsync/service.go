package fieldsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBPool is the slice of pgxpool.Pool the service needs. Declared as an
// interface so tests can substitute a mock pool.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Identity is the authenticated caller: identity id and role come from the
// external auth system, the device id from the token's did claim.
type Identity struct {
	ID       string
	Role     string
	DeviceID string
}

// SyncTable declares one syncable table and its scoping/conflict behavior.
type SyncTable struct {
	Name string `yaml:"name"`

	// ConflictFields are the conflict-sensitive fields: divergent concurrent
	// values on these are flagged, never silently overwritten. All other
	// fields may diverge silently and are simply overwritten.
	ConflictFields []string `yaml:"conflict_fields"`

	// GeoScoped tables carry geographic tag fields in their payloads; pulls
	// are filtered by the caller's resolved scope at the query layer.
	GeoScoped bool `yaml:"geo_scoped"`

	// AssignedToField names a payload field holding the identity a record is
	// assigned to; non-admin reads are restricted to their own records.
	// Empty means no row-level predicate.
	AssignedToField string `yaml:"assigned_to_field"`

	// AllowRoles is the explicit allow-list consulted when a table has
	// neither geographic tags nor a row-level predicate. Empty denies all.
	AllowRoles []string `yaml:"allow_roles"`

	// TimestampFields are coerced to canonical UTC RFC3339 on apply;
	// unparsable values fail the operation instead of being stored raw.
	TimestampFields []string `yaml:"timestamp_fields"`

	// Resolution is the per-table conflict resolution policy:
	// server_wins, client_wins or manual (default).
	Resolution string `yaml:"resolution"`
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	SchemaVersion int         // engine schema version reported to clients
	AppName       string      // application name for logs/connection tracking
	Tables        []SyncTable // syncable tables (required)

	MaxPushBatchSize   int           // max operations per push (0 = unlimited)
	MaxPayloadBytes    int           // max JSON payload per operation (0 = unlimited)
	MaxApplyAttempts   int           // bounded retries for transient store errors (default 3)
	SessionIdleTimeout time.Duration // active sessions idle longer are failed (default 15m)
	TombstoneTTL       time.Duration // retention window before purge (default 60d)

	StageMetrics    StageMetricsRecorder // optional stage timing sink
	LogStageTimings bool
}

// SyncService is the core synchronization engine: differential pull, offline
// push with exactly-once apply, conflict detection, tombstone propagation and
// the immutable change trail, all scoped by geographic access grants.
type SyncService struct {
	pool   DBPool
	logger *slog.Logger
	config *ServiceConfig
	tables map[string]*SyncTable
	clock  *versionClock

	mu     sync.RWMutex
	closed bool
}

// NewSyncService creates a sync service from an existing pool. The caller
// owns the pool lifecycle; schema migrations are applied separately (see
// internal/migrate).
func NewSyncService(pool DBPool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if len(config.Tables) == 0 {
		return nil, errors.New("at least one syncable table must be configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxApplyAttempts <= 0 {
		config.MaxApplyAttempts = 3
	}
	if config.SessionIdleTimeout <= 0 {
		config.SessionIdleTimeout = 15 * time.Minute
	}
	if config.TombstoneTTL <= 0 {
		config.TombstoneTTL = 60 * 24 * time.Hour
	}

	s := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
		tables: make(map[string]*SyncTable, len(config.Tables)),
		clock:  newVersionClock(),
	}

	for i := range config.Tables {
		t := &config.Tables[i]
		t.Name = strings.ToLower(strings.TrimSpace(t.Name))
		if !isValidTableName(t.Name) {
			return nil, errors.New("invalid table name: " + t.Name)
		}
		if t.Resolution == "" {
			t.Resolution = ResolutionManual
		}
		switch t.Resolution {
		case ResolutionServerWins, ResolutionClientWins, ResolutionManual:
		default:
			return nil, errors.New("invalid resolution strategy for table " + t.Name + ": " + t.Resolution)
		}
		s.tables[t.Name] = t
		logger.Debug("Registered syncable table",
			"table", t.Name, "geo_scoped", t.GeoScoped,
			"assigned_to_field", t.AssignedToField,
			"conflict_fields", t.ConflictFields, "resolution", t.Resolution)
	}

	return s, nil
}

// Close shuts the service down. Safe to call multiple times; does not close
// the pool.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.logger.Debug("Shutting down sync service")
	s.closed = true
	return nil
}

// Pool returns the underlying database handle for advanced callers.
func (s *SyncService) Pool() DBPool {
	return s.pool
}

// Table returns the config for a registered table, or nil.
func (s *SyncService) Table(name string) *SyncTable {
	return s.tables[strings.ToLower(strings.TrimSpace(name))]
}

// GetSchemaVersion returns the engine schema version.
func (s *SyncService) GetSchemaVersion() int {
	return s.config.SchemaVersion
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}
