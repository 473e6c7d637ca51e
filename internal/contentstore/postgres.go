package contentstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

const (
	postgresAssetsTable  = "spacesync_assets"
	postgresEntriesTable = "spacesync_entries"
	postgresCursorTable  = "spacesync_space_cursor"
)

// postgresSchema mirrors the versioned migrations under
// migrations/postgres; both are idempotent so either path can run first.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS ` + postgresAssetsTable + ` (
		id TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS ` + postgresEntriesTable + ` (
		type_name TEXT NOT NULL,
		id TEXT NOT NULL,
		record TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (type_name, id)
	)`,
	`CREATE INDEX IF NOT EXISTS spacesync_entries_id_idx ON ` + postgresEntriesTable + ` (id)`,
	`CREATE TABLE IF NOT EXISTS ` + postgresCursorTable + ` (
		cursor_key TEXT PRIMARY KEY,
		sync_token TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// PostgresStoreOptions configures a PostgresStore.
type PostgresStoreOptions struct {
	Logger Logger
	Clock  func() time.Time
}

// PostgresStore persists records in PostgreSQL. Like the sqlite store, the
// space is materialized into memory lazily on first use; fetches serve live
// pointers and Save flushes changed rows plus pending deletes in one
// transaction.
type PostgresStore struct {
	dsn    string
	model  *ContentModel
	logger Logger
	clock  func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu             sync.RWMutex
	seq            uint64
	assets         map[uint64]*assetHandle
	entries        map[string]map[uint64]*entryHandle
	cursor         *cursorHandle
	deletedAssets  []string
	deletedEntries [][2]string
}

// NewPostgresStore builds a store over the given DSN. The connection is
// opened, the schema ensured, and rows loaded lazily on first use.
func NewPostgresStore(dsn string, model *ContentModel, opts PostgresStoreOptions) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	if model == nil {
		return nil, fmt.Errorf("%w: content model is required", ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[contentstore] ", log.LstdFlags)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	store := &PostgresStore{
		dsn:     dsn,
		model:   model,
		logger:  opts.Logger,
		clock:   opts.Clock,
		assets:  map[uint64]*assetHandle{},
		entries: map[string]map[uint64]*entryHandle{},
	}
	for _, name := range model.TypeNames() {
		store.entries[name] = map[uint64]*entryHandle{}
	}
	return store, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sqlOpenFunc("postgres", s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("open postgres: %w", err)
			return
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
		defer cancel()
		for _, stmt := range postgresSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("apply postgres schema: %w", err)
				return
			}
		}
		s.db = db
		s.initErr = s.loadAll(ctx)
	})
	return s.initErr
}

func (s *PostgresStore) loadAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM `+postgresAssetsTable+` ORDER BY id`)
	if err != nil {
		return fmt.Errorf("load assets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("scan asset: %w", err)
		}
		rec := &AssetRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("decode asset record: %w", err)
		}
		canonical, err := canonicalJSON(rec)
		if err != nil {
			return err
		}
		s.seq++
		s.assets[s.seq] = &assetHandle{rec: rec, loaded: canonical}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load assets: %w", err)
	}

	entryRows, err := s.db.QueryContext(ctx, `SELECT type_name, record FROM `+postgresEntriesTable+` ORDER BY type_name, id`)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}
	defer entryRows.Close()
	for entryRows.Next() {
		var typeName string
		var data []byte
		if err := entryRows.Scan(&typeName, &data); err != nil {
			return fmt.Errorf("scan entry: %w", err)
		}
		rec := &EntryRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("decode entry record: %w", err)
		}
		if rec.Fields == nil {
			rec.Fields = map[string]Value{}
		}
		rec.TypeName = typeName
		canonical, err := canonicalJSON(rec)
		if err != nil {
			return err
		}
		byID, ok := s.entries[typeName]
		if !ok {
			s.logger.Printf("database contains entry type %q not present in the model", typeName)
			byID = map[uint64]*entryHandle{}
			s.entries[typeName] = byID
		}
		s.seq++
		byID[s.seq] = &entryHandle{rec: rec, loaded: canonical}
	}
	if err := entryRows.Err(); err != nil {
		return fmt.Errorf("load entries: %w", err)
	}

	var token string
	var updatedAt time.Time
	err = s.db.QueryRowContext(ctx, `SELECT sync_token, updated_at FROM `+postgresCursorTable+` WHERE cursor_key = $1`, cursorKey).
		Scan(&token, &updatedAt)
	switch {
	case err == sql.ErrNoRows:
		// no cursor yet
	case err != nil:
		return fmt.Errorf("load cursor: %w", err)
	default:
		rec := &SpaceCursor{SyncToken: token, UpdatedAt: updatedAt.UTC()}
		canonical, cerr := canonicalJSON(rec)
		if cerr != nil {
			return cerr
		}
		s.cursor = &cursorHandle{rec: rec, loaded: canonical}
	}
	return nil
}

func (s *PostgresStore) FetchAssets(pred Predicate) ([]*AssetRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := sortedKeys(s.assets)
	out := make([]*AssetRecord, 0, len(keys))
	for _, key := range keys {
		if h := s.assets[key]; pred.Matches(h.rec.ID) {
			out = append(out, h.rec)
		}
	}
	return out, nil
}

func (s *PostgresStore) CreateAsset() (*AssetRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &AssetRecord{}
	s.seq++
	s.assets[s.seq] = &assetHandle{rec: rec}
	return rec, nil
}

func (s *PostgresStore) DeleteAssets(pred Predicate) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, h := range s.assets {
		if pred.Matches(h.rec.ID) {
			if h.rec.ID != "" {
				s.deletedAssets = append(s.deletedAssets, h.rec.ID)
			}
			delete(s.assets, key)
		}
	}
	return nil
}

func (s *PostgresStore) FetchEntries(typeName string, pred Predicate) ([]*EntryRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.entries[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	keys := sortedKeys(byID)
	out := make([]*EntryRecord, 0, len(keys))
	for _, key := range keys {
		if h := byID[key]; pred.Matches(h.rec.ID) {
			out = append(out, h.rec)
		}
	}
	return out, nil
}

func (s *PostgresStore) CreateEntry(typeName string) (*EntryRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.entries[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	rec := &EntryRecord{TypeName: typeName, Fields: map[string]Value{}}
	s.seq++
	byID[s.seq] = &entryHandle{rec: rec}
	return rec, nil
}

func (s *PostgresStore) DeleteEntries(typeName string, pred Predicate) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.entries[typeName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	for key, h := range byID {
		if pred.Matches(h.rec.ID) {
			if h.rec.ID != "" {
				s.deletedEntries = append(s.deletedEntries, [2]string{typeName, h.rec.ID})
			}
			delete(byID, key)
		}
	}
	return nil
}

func (s *PostgresStore) FetchSpaceCursors() ([]*SpaceCursor, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cursor == nil {
		return []*SpaceCursor{}, nil
	}
	return []*SpaceCursor{s.cursor.rec}, nil
}

func (s *PostgresStore) CreateSpaceCursor() (*SpaceCursor, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &SpaceCursor{}
	s.cursor = &cursorHandle{rec: rec}
	return rec, nil
}

// Save writes pending deletes and every changed record in one transaction.
func (s *PostgresStore) Save() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	now := s.clock().UTC()
	var after []func()

	for _, id := range s.deletedAssets {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+postgresAssetsTable+` WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete asset %s: %w", id, err)
		}
	}
	for _, key := range s.deletedEntries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+postgresEntriesTable+` WHERE type_name = $1 AND id = $2`, key[0], key[1]); err != nil {
			return fmt.Errorf("delete entry %s/%s: %w", key[0], key[1], err)
		}
	}

	for _, key := range sortedKeys(s.assets) {
		h := s.assets[key]
		if h.rec.ID == "" {
			continue
		}
		data, err := canonicalJSON(h.rec)
		if err != nil {
			return err
		}
		if bytes.Equal(h.loaded, data) {
			continue
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO `+postgresAssetsTable+` (id, record, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
			h.rec.ID, string(data), now)
		if err != nil {
			return fmt.Errorf("save asset %s: %w", h.rec.ID, err)
		}
		after = append(after, func() { h.loaded = data })
	}

	for typeName, byID := range s.entries {
		for _, key := range sortedKeys(byID) {
			h := byID[key]
			if h.rec.ID == "" {
				continue
			}
			data, err := canonicalJSON(h.rec)
			if err != nil {
				return err
			}
			if bytes.Equal(h.loaded, data) {
				continue
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO `+postgresEntriesTable+` (type_name, id, record, updated_at) VALUES ($1, $2, $3, $4)
				ON CONFLICT (type_name, id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
				typeName, h.rec.ID, string(data), now)
			if err != nil {
				return fmt.Errorf("save entry %s/%s: %w", typeName, h.rec.ID, err)
			}
			after = append(after, func() { h.loaded = data })
		}
	}

	if s.cursor != nil {
		data, err := canonicalJSON(s.cursor.rec)
		if err != nil {
			return err
		}
		if !bytes.Equal(s.cursor.loaded, data) {
			_, err = tx.ExecContext(ctx, `INSERT INTO `+postgresCursorTable+` (cursor_key, sync_token, updated_at) VALUES ($1, $2, $3)
				ON CONFLICT (cursor_key) DO UPDATE SET sync_token = EXCLUDED.sync_token, updated_at = EXCLUDED.updated_at`,
				cursorKey, s.cursor.rec.SyncToken, s.cursor.rec.UpdatedAt.UTC())
			if err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
			h := s.cursor
			after = append(after, func() { h.loaded = data })
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	for _, fn := range after {
		fn()
	}
	s.deletedAssets = nil
	s.deletedEntries = nil
	return nil
}

func (s *PostgresStore) Properties(typeName string) []string {
	return s.model.PropertiesOf(typeName)
}

func (s *PostgresStore) Relationships(typeName string) []string {
	return s.model.RelationshipsOf(typeName)
}

func (s *PostgresStore) EntryTypeNames() []string {
	return s.model.TypeNames()
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunPostgresMigrations applies the versioned migrations under
// migrationsPath to the database behind dsn. The daemon calls this on boot
// when migrate-on-start is enabled; cmd/spacesync-migrate drives the same
// files with finer control.
// migrationsSourceURL turns a migrations path into the file:// source URL
// golang-migrate expects. Paths already carrying the scheme pass through
// unchanged so callers cannot double it.
func migrationsSourceURL(migrationsPath string) string {
	if strings.HasPrefix(migrationsPath, "file://") {
		return migrationsPath
	}
	return "file://" + migrationsPath
}

func RunPostgresMigrations(dsn, migrationsPath string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsSourceURL(migrationsPath), "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
