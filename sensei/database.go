package sensei

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	tableUsedTerms      = "used_terms"
	columnTermCategory  = "category"
	columnTermTimestamp = "timestamp"
	columnTermTerm      = "term"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// TermRecord is one issued term. Records are only ever appended.
type TermRecord struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Term     string `gorm:"not null" json:"term"`
	Category string `gorm:"not null;index:idx_used_terms_category_timestamp,priority:1" json:"category"`

	// Timestamp is the unix time in milliseconds the term was issued at
	Timestamp int64 `gorm:"autoCreateTime:milli;index:idx_used_terms_category_timestamp,priority:2" json:"timestamp"`
}

func (TermRecord) TableName() string {
	return tableUsedTerms
}

// IssuedAt returns Timestamp as a time.Time
func (t TermRecord) IssuedAt() time.Time {
	return time.UnixMilli(t.Timestamp).UTC()
}

func (t TermRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(t.ID)),
		slog.String(columnTermTerm, t.Term),
		slog.String(columnTermCategory, t.Category),
		slog.Time("issued_at", t.IssuedAt()),
	)
}

// TermStore is the append-only log of issued terms.
type TermStore interface {
	// RecentTerms returns up to limit terms for the given category issued
	// at or after since, newest first
	RecentTerms(
		ctx context.Context,
		category string,
		since time.Time,
		limit int,
	) ([]string, error)

	// AppendTerm inserts a new record. If Timestamp is zero, the
	// insertion time is used.
	AppendTerm(ctx context.Context, record *TermRecord) error
}

// termDatabase implements [TermStore] with gorm.
//
// SQLite only supports a single writer, so unless enableConcurrentWrites
// is set, writes are serialized with mu.
type termDatabase struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewTermStore returns a [TermStore] backed by db. Set
// enableConcurrentWrites for databases that support concurrent writers
// (postgres).
func NewTermStore(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) TermStore {
	if log == nil {
		log = slog.Default()
	}
	return &termDatabase{
		db:                     db,
		logger:                 log.With(loggerNameKey, "term_store"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *termDatabase) RecentTerms(
	ctx context.Context,
	category string,
	since time.Time,
	limit int,
) ([]string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	var terms []string
	query := d.db.WithContext(ctx).
		Model(&TermRecord{}).
		Where(
			fmt.Sprintf("%s = ? AND %s >= ?", columnTermCategory, columnTermTimestamp),
			category,
			since.UnixMilli(),
		).
		Order(columnTermTimestamp + " DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck(columnTermTerm, &terms).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return terms, nil
}

func (d *termDatabase) AppendTerm(ctx context.Context, record *TermRecord) error {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	if err := d.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	d.logger.DebugContext(ctx, "appended term", "term_record", record)
	return nil
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and migrates the term log.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
//   - logLevel: Log level for the gorm logger. Defaults to WARN if nil.
//   - slowThreshold: Queries slower than this are logged at WARN.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	logLevel slog.Leveler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if logLevel == nil {
		logLevel = slog.LevelWarn
	}
	handler := newLogHandler(defaultLogWriter, logLevel)

	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return db, err
		}
	}

	err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(&TermRecord{})
		},
	)
	if err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}

	return db, nil
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return fmt.Errorf("error setting %q: %w", pragma, err)
		}
	}
	return nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// PingPostgres opens a short-lived connection pool to verify the given
// connection string is reachable before any migrations are attempted.
func PingPostgres(ctx context.Context, database string) error {
	config, err := pgxpool.ParseConfig(database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	config.MaxConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	if err = pool.Ping(ctx); err != nil {
		return fmt.Errorf("error pinging database: %w", err)
	}
	return nil
}

// openTermStore opens the configured database and returns a [TermStore]
// using it, along with the underlying connection.
func openTermStore(ctx context.Context, config *Config, logger *slog.Logger) (
	TermStore,
	*gorm.DB,
	error,
) {
	if config.DatabaseType == dbTypePostgres {
		if err := PingPostgres(ctx, config.Database); err != nil {
			return nil, nil, err
		}
	}
	db, err := CreateDB(
		ctx,
		config.DatabaseType,
		config.Database,
		config.DatabaseLogLevel,
		config.DatabaseSlowThreshold,
	)
	if err != nil {
		return nil, db, err
	}
	return NewTermStore(db, logger, config.DatabaseType == dbTypePostgres), db, nil
}

// closeDB closes the database's underlying connection pool
func closeDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
