// Package storage provides SQLite session storage.
//
// Information Hiding:
// - SQLite connection management hidden behind interface
// - Schema and migration details encapsulated
// - Thread-safe via sql.DB's built-in connection pooling

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lwllvyb/ezXSS/internal/codec"
	_ "github.com/mattn/go-sqlite3"
)

// Options configures a SqliteStorage.
type Options struct {
	ReportsLimit int  // Max rows returned by GetAll and GetAllByArchive
	Compress     bool // Initial compress setting for a new database
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ReportsLimit: 100,
		Compress:     false,
	}
}

// SqliteStorage implements SessionStore using SQLite.
// Thread-safe: sql.DB handles connection pooling and concurrent access.
type SqliteStorage struct {
	db           *sql.DB
	reportsLimit int
	now          func() time.Time
}

// OpenSqlite opens or creates a SQLite database at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string, opts Options) (*SqliteStorage, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	return newSqlite(db, opts)
}

// NewSqliteInMemory creates an in-memory database (useful for testing).
func NewSqliteInMemory(opts Options) (*SqliteStorage, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	return newSqlite(db, opts)
}

func newSqlite(db *sql.DB, opts Options) (*SqliteStorage, error) {
	if opts.ReportsLimit <= 0 {
		opts.ReportsLimit = DefaultOptions().ReportsLimit
	}

	storage := &SqliteStorage{
		db:           db,
		reportsLimit: opts.ReportsLimit,
		now:          time.Now,
	}
	if err := storage.createSchema(opts.Compress); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// Close closes the database connection.
func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

func (s *SqliteStorage) createSchema(compress bool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			clientid TEXT NOT NULL,
			cookies TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL DEFAULT '',
			referer TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			uri TEXT NOT NULL DEFAULT '',
			"user-agent" TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			time INTEGER NOT NULL,
			archive INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_client
		ON sessions(clientid, origin, id);

		CREATE TABLE IF NOT EXISTS sessions_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sessionid INTEGER NOT NULL,
			dom TEXT NOT NULL DEFAULT '',
			localstorage TEXT NOT NULL DEFAULT '',
			sessionstorage TEXT NOT NULL DEFAULT '',
			console TEXT NOT NULL DEFAULT '',
			compressed INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (sessionid) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_data_session
		ON sessions_data(sessionid);

		CREATE TABLE IF NOT EXISTS settings (
			setting TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := s.db.Exec(
		"INSERT OR IGNORE INTO settings (setting, value) VALUES (?, ?)",
		compressSetting, boolSetting(compress)); err != nil {
		return fmt.Errorf("failed to seed settings: %w", err)
	}
	return nil
}

const summaryColumns = `p.id, p.clientid, p.ip, p.uri, p.payload, p.time, p.origin, p."user-agent", last_row.requests`

const sessionColumns = `id, clientid, cookies, origin, referer, payload, uri, "user-agent", ip, time, archive`

// GetAll returns the latest request per client across all archive states.
func (s *SqliteStorage) GetAll(ctx context.Context) ([]ClientSummary, error) {
	return s.queryClients(ctx, `
		SELECT `+summaryColumns+`
		FROM sessions p
		INNER JOIN (
			SELECT MAX(id) AS max_id, clientid, COUNT(*) AS requests
			FROM sessions GROUP BY clientid
		) last_row ON p.id = last_row.max_id
		ORDER BY p.time DESC, p.id DESC
		LIMIT ?`, s.reportsLimit)
}

// GetAllByArchive returns the latest request per client among requests with
// the given archive state.
func (s *SqliteStorage) GetAllByArchive(ctx context.Context, archive bool) ([]ClientSummary, error) {
	return s.queryClients(ctx, `
		SELECT `+summaryColumns+`
		FROM sessions p
		INNER JOIN (
			SELECT MAX(id) AS max_id, clientid, COUNT(*) AS requests
			FROM sessions WHERE archive = ? GROUP BY clientid
		) last_row ON p.id = last_row.max_id
		WHERE p.archive = ?
		ORDER BY p.time DESC, p.id DESC
		LIMIT ?`, archive, archive, s.reportsLimit)
}

// GetAllByPayload returns the latest request per client among requests whose
// payload matches pattern and whose archive state matches.
func (s *SqliteStorage) GetAllByPayload(ctx context.Context, pattern string, archive bool) ([]ClientSummary, error) {
	return s.queryClients(ctx, `
		SELECT `+summaryColumns+`
		FROM sessions p
		INNER JOIN (
			SELECT MAX(id) AS max_id, clientid, COUNT(*) AS requests
			FROM sessions WHERE payload LIKE ? AND archive = ? GROUP BY clientid
		) last_row ON p.id = last_row.max_id
		WHERE p.payload LIKE ? AND p.archive = ?
		ORDER BY p.time DESC, p.id DESC`, pattern, archive, pattern, archive)
}

// queryClients executes an aggregation query and scans ClientSummary rows.
func (s *SqliteStorage) queryClients(ctx context.Context, query string, args ...any) ([]ClientSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query sessions: %w", ErrWrite, err)
	}
	defer rows.Close()

	clients := []ClientSummary{} // Start with empty slice, not nil
	for rows.Next() {
		var c ClientSummary
		err := rows.Scan(
			&c.ID,
			&c.ClientID,
			&c.IP,
			&c.URI,
			&c.Payload,
			&c.Time,
			&c.Origin,
			&c.UserAgent,
			&c.Requests,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		clients = append(clients, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return clients, nil
}

// GetAllByClientID returns every request of a client on an origin, newest first.
func (s *SqliteStorage) GetAllByClientID(ctx context.Context, clientID, origin string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE clientid = ? AND origin = ? ORDER BY id DESC",
		clientID, origin)
	if err != nil {
		return nil, fmt.Errorf("%w: query client sessions: %w", ErrWrite, err)
	}
	defer rows.Close()

	sessions := []Session{} // Start with empty slice, not nil
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// GetByClientID returns the newest request of a client on an origin with its data.
func (s *SqliteStorage) GetByClientID(ctx context.Context, clientID, origin string) (SessionDetail, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE clientid = ? AND origin = ? ORDER BY id DESC LIMIT 1",
		clientID, origin)
	return s.detail(ctx, row)
}

// GetByID returns a request by id with its data.
func (s *SqliteStorage) GetByID(ctx context.Context, id int64) (SessionDetail, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	return s.detail(ctx, row)
}

// detail scans a summary row and merges the matching blob row into it.
func (s *SqliteStorage) detail(ctx context.Context, row *sql.Row) (SessionDetail, error) {
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionDetail{}, ErrNotFound
	}
	if err != nil {
		return SessionDetail{}, err
	}

	data, err := s.GetSessionData(ctx, sess.ID)
	if err != nil {
		return SessionDetail{}, err
	}

	return SessionDetail{Session: sess, SessionData: data}, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanSession scans a row selected with sessionColumns.
func scanSession(row scanner) (Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID,
		&sess.ClientID,
		&sess.Cookies,
		&sess.Origin,
		&sess.Referer,
		&sess.Payload,
		&sess.URI,
		&sess.UserAgent,
		&sess.IP,
		&sess.Time,
		&sess.Archive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, err
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to scan session: %w", err)
	}
	return sess, nil
}

// GetSessionData loads the blob row of a session, decoding it when the row
// was stored compressed. A missing row yields empty data.
func (s *SqliteStorage) GetSessionData(ctx context.Context, sessionID int64) (SessionData, error) {
	var data SessionData
	err := s.db.QueryRowContext(ctx,
		"SELECT dom, localstorage, sessionstorage, console, compressed FROM sessions_data WHERE sessionid = ? LIMIT 1",
		sessionID).Scan(
		&data.DOM,
		&data.LocalStorage,
		&data.SessionStorage,
		&data.Console,
		&data.Compressed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionData{}, nil
	}
	if err != nil {
		return SessionData{}, fmt.Errorf("failed to load session data: %w", err)
	}

	if data.Compressed {
		data.DOM = codec.Decompress(data.DOM)
		data.LocalStorage = codec.Decompress(data.LocalStorage)
		data.SessionStorage = codec.Decompress(data.SessionStorage)
		if data.Console != "" {
			data.Console = codec.Decompress(data.Console)
		}
	}

	return data, nil
}

// GetRequestCount counts the requests of a client across all origins.
func (s *SqliteStorage) GetRequestCount(ctx context.Context, clientID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE clientid = ?",
		clientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return count, nil
}

// GetAllStatisticsData exports client, origin and time of every request by ascending id.
func (s *SqliteStorage) GetAllStatisticsData(ctx context.Context) ([]StatisticsRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT clientid, origin, time FROM sessions ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("%w: query statistics: %w", ErrWrite, err)
	}
	defer rows.Close()

	stats := []StatisticsRow{}
	for rows.Next() {
		var r StatisticsRow
		if err := rows.Scan(&r.ClientID, &r.Origin, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		stats = append(stats, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statistics: %w", err)
	}

	return stats, nil
}

// GetAllStatisticsDataByPayload exports requests whose payload matches pattern.
func (s *SqliteStorage) GetAllStatisticsDataByPayload(ctx context.Context, pattern string) ([]StatisticsRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT clientid, origin, time, payload FROM sessions WHERE payload LIKE ? ORDER BY id ASC",
		pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: query statistics: %w", ErrWrite, err)
	}
	defer rows.Close()

	stats := []StatisticsRow{}
	for rows.Next() {
		var r StatisticsRow
		if err := rows.Scan(&r.ClientID, &r.Origin, &r.Time, &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		stats = append(stats, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statistics: %w", err)
	}

	return stats, nil
}

// Set updates one column of a request (keyed by id) or of its blob row
// (keyed by sessionid). Blob text is encoded when that row is stored compressed.
func (s *SqliteStorage) Set(ctx context.Context, id int64, name string, value any) error {
	col, ok := columns[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidColumn, name)
	}
	value, err := col.normalize(value)
	if err != nil {
		return fmt.Errorf("%w: update %s: %w", ErrWrite, name, err)
	}

	if col.encoded {
		var compressed bool
		err := s.db.QueryRowContext(ctx,
			"SELECT compressed FROM sessions_data WHERE sessionid = ? LIMIT 1", id).Scan(&compressed)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: no session data for %d", ErrWrite, id)
		}
		if err != nil {
			return fmt.Errorf("%w: load session data: %w", ErrWrite, err)
		}

		text := fmt.Sprint(value)
		if compressed && text != "" {
			text = codec.Compress(text)
		}
		value = text
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET "%s" = ? WHERE %s = ?`, col.table, name, col.key),
		value, id)
	if err != nil {
		return fmt.Errorf("%w: update %s: %w", ErrWrite, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update %s: %w", ErrWrite, name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: update %s: no rows for %d", ErrWrite, name, id)
	}

	return nil
}

// Add stores a new request and its blob in one transaction.
func (s *SqliteStorage) Add(ctx context.Context, in NewSession, compress bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin transaction: %w", ErrWrite, err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions
		(clientid, cookies, origin, referer, uri, "user-agent", ip, time, payload, archive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		in.ClientID,
		in.Cookies,
		in.Origin,
		in.Referer,
		in.URI,
		in.UserAgent,
		in.IP,
		s.now().Unix(),
		in.Payload,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert session: %w", ErrWrite, err)
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: insert session: %w", ErrWrite, err)
	}

	data := SessionData{
		DOM:            in.DOM,
		LocalStorage:   in.LocalStorage,
		SessionStorage: in.SessionStorage,
		Console:        in.Console,
		Compressed:     compress,
	}
	if compress {
		data.DOM = codec.Compress(data.DOM)
		data.LocalStorage = codec.Compress(data.LocalStorage)
		data.SessionStorage = codec.Compress(data.SessionStorage)
		if data.Console != "" {
			data.Console = codec.Compress(data.Console)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions_data
		(sessionid, dom, localstorage, sessionstorage, console, compressed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID,
		data.DOM,
		data.LocalStorage,
		data.SessionStorage,
		data.Console,
		data.Compressed,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert session data: %w", ErrWrite, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit transaction: %w", ErrWrite, err)
	}

	return sessionID, nil
}

// DeleteAll removes every request of a client on an origin together with its
// blob. Each pair is deleted in its own transaction; failures are counted and
// joined into the returned error while the remaining pairs are still processed.
func (s *SqliteStorage) DeleteAll(ctx context.Context, clientID, origin string) (DeleteResult, error) {
	sessions, err := s.GetAllByClientID(ctx, clientID, origin)
	if err != nil {
		return DeleteResult{}, err
	}

	var result DeleteResult
	var errs []error
	for _, sess := range sessions {
		if err := s.deletePair(ctx, sess.ID); err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("%w: delete session %d: %w", ErrWrite, sess.ID, err))
			continue
		}
		result.Deleted++
	}

	return result, errors.Join(errs...)
}

// deletePair removes a request and its blob row atomically.
func (s *SqliteStorage) deletePair(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions_data WHERE sessionid = ?", id); err != nil {
		return fmt.Errorf("failed to delete session data: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ArchiveByClientID toggles the archive state of a client on an origin. The
// newest request decides the current state; the flipped value is written to
// every request of the pair.
func (s *SqliteStorage) ArchiveByClientID(ctx context.Context, clientID, origin string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin transaction: %w", ErrWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current bool
	err = tx.QueryRowContext(ctx,
		"SELECT archive FROM sessions WHERE clientid = ? AND origin = ? ORDER BY id DESC LIMIT 1",
		clientID, origin).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load archive state: %w", err)
	}

	archive := !current
	_, err = tx.ExecContext(ctx,
		"UPDATE sessions SET archive = ? WHERE clientid = ? AND origin = ?",
		archive, clientID, origin)
	if err != nil {
		return false, fmt.Errorf("%w: update archive: %w", ErrWrite, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit transaction: %w", ErrWrite, err)
	}

	return archive, nil
}

// Verify SqliteStorage implements SessionStore
var _ SessionStore = (*SqliteStorage)(nil)
