// Package docstore is the remote document store the chat client reads and
// writes. Documents are JSON payloads addressed by collection and id.
package docstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"

	"github.com/NikhilSetiya/chat-resilience/internal/offline"
	"github.com/NikhilSetiya/chat-resilience/pkg/config"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/tracing"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	table = "documents"
)

// Document is one stored JSON document
type Document struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type documentRow struct {
	Collection string `db:"collection"`
	ID         string `db:"id"`
	Data       string `db:"data"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r documentRow) document() Document {
	return Document{
		Collection: r.Collection,
		ID:         r.ID,
		Data:       json.RawMessage(r.Data),
		CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:  time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

// Config holds document store connection settings
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Migrate         bool

	Logger  *logging.Logger
	Tracing *tracing.TracingService

	now func() time.Time
}

// ConfigFrom builds the store configuration from the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.DatabaseURL(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Migrate:         cfg.Database.MigrateOnStart,
	}
}

// Store reads and writes documents through sqlx
type Store struct {
	db      *sqlx.DB
	driver  string
	logger  *logging.Logger
	tracing *tracing.TracingService
	now     func() time.Time
}

// Open connects to the document store and, when configured, brings the schema
// up to date
func Open(ctx context.Context, config Config) (*Store, error) {
	if config.DSN == "" {
		return nil, errors.NewValidationError("database URL is required")
	}
	if config.now == nil {
		config.now = time.Now
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch config.Driver {
	case DriverPostgres:
		if config.Migrate {
			if err := runPostgresMigrations(config.DSN); err != nil {
				return nil, err
			}
		}
		db, err = sqlx.ConnectContext(ctx, DriverPostgres, config.DSN)
		if err != nil {
			return nil, errors.NewUnavailableError("docstore", "failed to connect to database").WithCause(err)
		}
		if config.MaxOpenConns > 0 {
			db.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.MaxIdleConns > 0 {
			db.SetMaxIdleConns(config.MaxIdleConns)
		}
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
		db.SetConnMaxIdleTime(10 * time.Minute)

	case DriverSQLite:
		if config.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(config.DSN), 0o750); err != nil {
				return nil, errors.NewInternalError("failed to create database directory").WithCause(err)
			}
		}
		db, err = sqlx.ConnectContext(ctx, DriverSQLite, config.DSN)
		if err != nil {
			return nil, errors.NewInternalError("failed to open sqlite database").WithCause(err)
		}
		// One connection keeps an in-memory database alive and avoids
		// "database is locked" on file databases.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, errors.NewInternalError("failed to set busy timeout").WithCause(err)
		}
		if config.Migrate {
			if err := migrateSQLite(ctx, db); err != nil {
				db.Close()
				return nil, errors.NewInternalError("failed to run migrations").WithCause(err)
			}
		}

	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported database driver: %s", config.Driver))
	}

	logger := logging.OrGlobal(config.Logger)
	logger.Info("Document store connected", "driver", config.Driver)

	return &Store{
		db:      db,
		driver:  config.Driver,
		logger:  logger,
		tracing: config.Tracing,
		now:     config.now,
	}, nil
}

func runPostgresMigrations(dsn string) error {
	migrator, err := NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Up()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the configured driver name
func (s *Store) Driver() string {
	return s.driver
}

// Stats returns the connection pool statistics
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

// Health pings the database
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewUnavailableError("docstore", "database health check failed").WithCause(err)
	}
	return nil
}

// Create inserts a new document. An existing document with the same id is a
// conflict.
func (s *Store) Create(ctx context.Context, collection, id string, data json.RawMessage) (Document, error) {
	if err := validateKey(collection, id); err != nil {
		return Document{}, err
	}
	payload, err := normalizePayload(data)
	if err != nil {
		return Document{}, err
	}

	ctx, span := s.tracing.StartDatabaseSpan(ctx, s.driver, "insert", table)
	defer span.End()

	now := s.now().UnixMilli()
	query := s.db.Rebind(`INSERT INTO documents (collection, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (collection, id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query, collection, id, payload, now, now)
	if err != nil {
		err = classify(err, "create document")
		s.tracing.RecordError(span, err)
		return Document{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Document{}, errors.NewConflictError(fmt.Sprintf("document %s/%s already exists", collection, id))
	}

	return documentRow{Collection: collection, ID: id, Data: payload, CreatedAt: now, UpdatedAt: now}.document(), nil
}

// Get returns a document
func (s *Store) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := validateKey(collection, id); err != nil {
		return Document{}, err
	}

	ctx, span := s.tracing.StartDatabaseSpan(ctx, s.driver, "select", table)
	defer span.End()

	var row documentRow
	query := s.db.Rebind(`SELECT collection, id, data, created_at, updated_at
		FROM documents WHERE collection = ? AND id = ?`)
	if err := s.db.GetContext(ctx, &row, query, collection, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return Document{}, errors.NewNotFoundError("document")
		}
		err = classify(err, "get document")
		s.tracing.RecordError(span, err)
		return Document{}, err
	}
	return row.document(), nil
}

// List returns the documents of a collection, most recently updated first
func (s *Store) List(ctx context.Context, collection string, limit int) ([]Document, error) {
	if collection == "" {
		return nil, errors.NewValidationError("collection is required")
	}
	if limit <= 0 {
		limit = 100
	}

	ctx, span := s.tracing.StartDatabaseSpan(ctx, s.driver, "select", table)
	defer span.End()

	var rows []documentRow
	query := s.db.Rebind(`SELECT collection, id, data, created_at, updated_at
		FROM documents WHERE collection = ? ORDER BY updated_at DESC, id LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, collection, limit); err != nil {
		err = classify(err, "list documents")
		s.tracing.RecordError(span, err)
		return nil, err
	}

	docs := make([]Document, len(rows))
	for i, row := range rows {
		docs[i] = row.document()
	}
	return docs, nil
}

// Update replaces the payload of an existing document
func (s *Store) Update(ctx context.Context, collection, id string, data json.RawMessage) (Document, error) {
	if err := validateKey(collection, id); err != nil {
		return Document{}, err
	}
	payload, err := normalizePayload(data)
	if err != nil {
		return Document{}, err
	}

	ctx, span := s.tracing.StartDatabaseSpan(ctx, s.driver, "update", table)
	defer span.End()

	now := s.now().UnixMilli()
	query := s.db.Rebind(`UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`)
	res, err := s.db.ExecContext(ctx, query, payload, now, collection, id)
	if err != nil {
		err = classify(err, "update document")
		s.tracing.RecordError(span, err)
		return Document{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Document{}, errors.NewNotFoundError("document")
	}
	return s.Get(ctx, collection, id)
}

// Put creates the document or replaces its payload
func (s *Store) Put(ctx context.Context, collection, id string, data json.RawMessage) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}
	payload, err := normalizePayload(data)
	if err != nil {
		return err
	}

	ctx, span := s.tracing.StartDatabaseSpan(ctx, s.driver, "upsert", table)
	defer span.End()

	now := s.now().UnixMilli()
	query := s.db.Rebind(`INSERT INTO documents (collection, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, collection, id, payload, now, now); err != nil {
		err = classify(err, "put document")
		s.tracing.RecordError(span, err)
		return err
	}
	return nil
}

// Delete removes a document
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := validateKey(collection, id); err != nil {
		return err
	}

	ctx, span := s.tracing.StartDatabaseSpan(ctx, s.driver, "delete", table)
	defer span.End()

	query := s.db.Rebind(`DELETE FROM documents WHERE collection = ? AND id = ?`)
	res, err := s.db.ExecContext(ctx, query, collection, id)
	if err != nil {
		err = classify(err, "delete document")
		s.tracing.RecordError(span, err)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("document")
	}
	return nil
}

// Apply replays a queued offline write. Creates and updates are upserts and a
// delete of a missing document succeeds, so replaying an operation twice is
// harmless.
func (s *Store) Apply(ctx context.Context, op offline.SyncOperation) error {
	switch op.Kind {
	case offline.OperationCreate, offline.OperationUpdate:
		return s.Put(ctx, op.Collection, op.DocumentID, op.Data)
	case offline.OperationDelete:
		if err := s.Delete(ctx, op.Collection, op.DocumentID); err != nil && !errors.IsNotFound(err) {
			return err
		}
		return nil
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown operation type: %s", op.Kind))
	}
}

func validateKey(collection, id string) error {
	if collection == "" {
		return errors.NewValidationError("collection is required")
	}
	if id == "" {
		return errors.NewValidationError("document id is required")
	}
	return nil
}

func normalizePayload(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	if !json.Valid(data) {
		return "", errors.NewValidationError("document data must be valid JSON")
	}
	return string(data), nil
}

// classify maps driver errors onto the retryable vocabulary: connection
// failures become unavailable, deadlines become timeouts
func classify(err error, operation string) error {
	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewTimeoutError(operation).WithCause(err)
	case stderrors.Is(err, context.Canceled):
		return err
	case stderrors.Is(err, driver.ErrBadConn), stderrors.Is(err, sql.ErrConnDone), stderrors.As(err, &netErr):
		return errors.NewUnavailableError("docstore", fmt.Sprintf("failed to %s", operation)).WithCause(err)
	default:
		return errors.NewInternalError(fmt.Sprintf("failed to %s", operation)).WithCause(err)
	}
}
