package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ParseConfig parses a postgres:// connection URL into a Config.
func ParseConfig(connStr string) (Config, error) {
	var config Config

	u, err := url.Parse(connStr)
	if err != nil {
		return config, fmt.Errorf("failed to parse connection string: %w", err)
	}

	portStr := u.Port()
	if portStr == "" {
		portStr = "5432"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config, fmt.Errorf("invalid port: %w", err)
	}

	password, _ := u.User.Password()
	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

// PostgresStore keeps every collection in a single documents table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings a PostgreSQL connection.
func NewPostgresStore(config Config) (*PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InitSchema creates the documents table if it does not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection VARCHAR(255) NOT NULL,
		key TEXT NOT NULL,
		version BIGINT NOT NULL,
		data BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (collection, key)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Collection(name string) Collection {
	return &postgresCollection{db: s.db, name: name}
}

// DB exposes the connection for tables that live beside the documents.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type postgresCollection struct {
	db   *sql.DB
	name string
}

func (c *postgresCollection) Get(ctx context.Context, key string) (*Document, error) {
	doc := &Document{Key: key}
	query := `SELECT version, data, updated_at FROM documents WHERE collection = $1 AND key = $2`
	err := c.db.QueryRowContext(ctx, query, c.name, key).Scan(&doc.Version, &doc.Data, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *postgresCollection) Insert(ctx context.Context, key string, data []byte) (*Document, error) {
	doc := &Document{Key: key, Data: data}
	query := `INSERT INTO documents (collection, key, version, data, updated_at) VALUES ($1, $2, 1, $3, NOW())
			  ON CONFLICT (collection, key) DO NOTHING RETURNING version, updated_at`
	err := c.db.QueryRowContext(ctx, query, c.name, key, data).Scan(&doc.Version, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *postgresCollection) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, data []byte) (*Document, error) {
	doc := &Document{Key: key, Data: data}
	query := `UPDATE documents SET data = $1, version = version + 1, updated_at = NOW()
			  WHERE collection = $2 AND key = $3 AND version = $4 RETURNING version, updated_at`
	err := c.db.QueryRowContext(ctx, query, data, c.name, key, expectedVersion).Scan(&doc.Version, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := c.Get(ctx, key); getErr != nil {
			return nil, getErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *postgresCollection) Put(ctx context.Context, key string, data []byte) (*Document, error) {
	doc := &Document{Key: key, Data: data}
	query := `INSERT INTO documents (collection, key, version, data, updated_at) VALUES ($1, $2, 1, $3, NOW())
			  ON CONFLICT (collection, key) DO UPDATE SET data = EXCLUDED.data, version = documents.version + 1, updated_at = NOW()
			  RETURNING version, updated_at`
	if err := c.db.QueryRowContext(ctx, query, c.name, key, data).Scan(&doc.Version, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *postgresCollection) Delete(ctx context.Context, key string) error {
	result, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND key = $2`, c.name, key)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *postgresCollection) DeleteIfVersion(ctx context.Context, key string, expectedVersion int64) (bool, error) {
	result, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND key = $2 AND version = $3`,
		c.name, key, expectedVersion)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

func (c *postgresCollection) List(ctx context.Context, prefix string) ([]*Document, error) {
	query := `SELECT key, version, data, updated_at FROM documents
			  WHERE collection = $1 AND key LIKE $2 ESCAPE '\' ORDER BY key`
	rows, err := c.db.QueryContext(ctx, query, c.name, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		doc := &Document{}
		if err := rows.Scan(&doc.Key, &doc.Version, &doc.Data, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
