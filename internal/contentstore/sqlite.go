package contentstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		type_name TEXT NOT NULL,
		id TEXT NOT NULL,
		record TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (type_name, id)
	)`,
	`CREATE INDEX IF NOT EXISTS entries_id_idx ON entries (id)`,
	`CREATE TABLE IF NOT EXISTS space_cursor (
		cursor_key TEXT PRIMARY KEY,
		sync_token TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// SQLiteStoreOptions configures a SQLiteStore.
type SQLiteStoreOptions struct {
	Logger Logger
	Clock  func() time.Time
}

// SQLiteStore persists records in a local SQLite database. The whole space
// is materialized into memory on first use; fetches serve live pointers and
// Save flushes changed rows plus pending deletes in one transaction.
type SQLiteStore struct {
	db     *sql.DB
	model  *ContentModel
	logger Logger
	clock  func() time.Time

	initOnce sync.Once
	initErr  error

	mu             sync.RWMutex
	seq            uint64
	assets         map[uint64]*assetHandle
	entries        map[string]map[uint64]*entryHandle
	cursor         *cursorHandle
	deletedAssets  []string
	deletedEntries [][2]string
}

// NewSQLiteStore opens (or creates) the database file at path. The schema is
// applied and rows are loaded lazily on first use.
func NewSQLiteStore(path string, model *ContentModel, opts SQLiteStoreOptions) (*SQLiteStore, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: content model is required", ErrInvalidInput)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[contentstore] ", log.LstdFlags)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	db, err := sqlOpenFunc("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc's driver serializes access; a single connection avoids
	// SQLITE_BUSY under the store's single-writer usage.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{
		db:      db,
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

func (s *SQLiteStore) ensureReady() error {
	s.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
		defer cancel()
		for _, stmt := range sqliteSchema {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				s.initErr = fmt.Errorf("apply sqlite schema: %w", err)
				return
			}
		}
		s.initErr = s.loadAll(ctx)
	})
	return s.initErr
}

func (s *SQLiteStore) loadAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM assets ORDER BY id`)
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

	entryRows, err := s.db.QueryContext(ctx, `SELECT type_name, record FROM entries ORDER BY type_name, id`)
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

	var token, updatedAt string
	err = s.db.QueryRowContext(ctx, `SELECT sync_token, updated_at FROM space_cursor WHERE cursor_key = ?`, cursorKey).
		Scan(&token, &updatedAt)
	switch {
	case err == sql.ErrNoRows:
		// no cursor yet
	case err != nil:
		return fmt.Errorf("load cursor: %w", err)
	default:
		rec := &SpaceCursor{SyncToken: token}
		if ts, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
			rec.UpdatedAt = ts
		} else {
			s.logger.Printf("cursor has malformed updated_at %q", updatedAt)
		}
		canonical, cerr := canonicalJSON(rec)
		if cerr != nil {
			return cerr
		}
		s.cursor = &cursorHandle{rec: rec, loaded: canonical}
	}
	return nil
}

func (s *SQLiteStore) FetchAssets(pred Predicate) ([]*AssetRecord, error) {
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

func (s *SQLiteStore) CreateAsset() (*AssetRecord, error) {
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

func (s *SQLiteStore) DeleteAssets(pred Predicate) error {
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

func (s *SQLiteStore) FetchEntries(typeName string, pred Predicate) ([]*EntryRecord, error) {
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

func (s *SQLiteStore) CreateEntry(typeName string) (*EntryRecord, error) {
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

func (s *SQLiteStore) DeleteEntries(typeName string, pred Predicate) error {
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

func (s *SQLiteStore) FetchSpaceCursors() ([]*SpaceCursor, error) {
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

func (s *SQLiteStore) CreateSpaceCursor() (*SpaceCursor, error) {
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
func (s *SQLiteStore) Save() error {
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

	now := s.clock().UTC().Format(time.RFC3339Nano)
	var after []func()

	for _, id := range s.deletedAssets {
		if _, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete asset %s: %w", id, err)
		}
	}
	for _, key := range s.deletedEntries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE type_name = ? AND id = ?`, key[0], key[1]); err != nil {
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
		_, err = tx.ExecContext(ctx, `INSERT INTO assets (id, record, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
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
			_, err = tx.ExecContext(ctx, `INSERT INTO entries (type_name, id, record, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (type_name, id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
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
			updatedAt := s.cursor.rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
			_, err = tx.ExecContext(ctx, `INSERT INTO space_cursor (cursor_key, sync_token, updated_at) VALUES (?, ?, ?)
				ON CONFLICT (cursor_key) DO UPDATE SET sync_token = excluded.sync_token, updated_at = excluded.updated_at`,
				cursorKey, s.cursor.rec.SyncToken, updatedAt)
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

func (s *SQLiteStore) Properties(typeName string) []string {
	return s.model.PropertiesOf(typeName)
}

func (s *SQLiteStore) Relationships(typeName string) []string {
	return s.model.RelationshipsOf(typeName)
}

func (s *SQLiteStore) EntryTypeNames() []string {
	return s.model.TypeNames()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
