package contentstore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger is the minimal logging surface used across the package. *log.Logger
// satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// storeSnapshot is the serialized form of a memory store. Record order is
// creation order so snapshots are stable across save cycles.
type storeSnapshot struct {
	SavedAt time.Time                 `json:"savedAt"`
	Assets  []*AssetRecord            `json:"assets"`
	Entries map[string][]*EntryRecord `json:"entries"`
	Cursor  *SpaceCursor              `json:"cursor,omitempty"`
}

// SnapshotBackend persists memory store snapshots. Load returns nil when no
// snapshot exists yet.
type SnapshotBackend interface {
	Load() (*storeSnapshot, error)
	Save(snapshot *storeSnapshot) error
}

// JSONFileBackend stores snapshots as a single JSON file, written atomically.
type JSONFileBackend struct {
	path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{path: path}
}

func (b *JSONFileBackend) Load() (*storeSnapshot, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot %s: %w", b.path, err)
	}
	var snapshot storeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", b.path, err)
	}
	return &snapshot, nil
}

func (b *JSONFileBackend) Save(snapshot *storeSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.path, data, 0o644)
}

// writeFileAtomic writes via a temp file in the target directory and renames
// it into place so readers never observe a partial snapshot.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".spacesync-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// InMemoryBackend keeps the latest snapshot in memory. Snapshots are cloned
// through JSON so later store mutations cannot leak into a saved snapshot.
type InMemoryBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() (*storeSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	var snapshot storeSnapshot
	if err := json.Unmarshal(b.data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *InMemoryBackend) Save(snapshot *storeSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.data = data
	b.mu.Unlock()
	return nil
}

// MemoryStoreOptions configures a MemoryStore. Zero values get sensible
// defaults in NewMemoryStore.
type MemoryStoreOptions struct {
	Backend SnapshotBackend
	Logger  Logger
	Clock   func() time.Time
}

// MemoryStore keeps all records in memory, loading from and saving to a
// SnapshotBackend. Records returned by fetches are live: the caller mutates
// them in place and Save persists the current state. Writes are expected
// from a single goroutine; the mutex guards map structure for concurrent
// readers.
type MemoryStore struct {
	mu      sync.RWMutex
	model   *ContentModel
	backend SnapshotBackend
	logger  Logger
	clock   func() time.Time

	seq     uint64
	assets  map[uint64]*AssetRecord
	entries map[string]map[uint64]*EntryRecord
	cursor  *SpaceCursor
}

// NewMemoryStore builds a store for the given content model and loads any
// existing snapshot from the backend.
func NewMemoryStore(model *ContentModel, opts MemoryStoreOptions) (*MemoryStore, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: content model is required", ErrInvalidInput)
	}
	if opts.Backend == nil {
		opts.Backend = NewInMemoryBackend()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[contentstore] ", log.LstdFlags)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	store := &MemoryStore{
		model:   model,
		backend: opts.Backend,
		logger:  opts.Logger,
		clock:   opts.Clock,
		assets:  map[uint64]*AssetRecord{},
		entries: map[string]map[uint64]*EntryRecord{},
	}
	for _, name := range model.TypeNames() {
		store.entries[name] = map[uint64]*EntryRecord{}
	}
	snapshot, err := opts.Backend.Load()
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		store.restore(snapshot)
	}
	return store, nil
}

func (s *MemoryStore) restore(snapshot *storeSnapshot) {
	for _, rec := range snapshot.Assets {
		s.seq++
		s.assets[s.seq] = rec
	}
	for typeName, recs := range snapshot.Entries {
		byID, ok := s.entries[typeName]
		if !ok {
			// Snapshot written under an older model; keep the rows so a
			// later model change does not silently drop them.
			s.logger.Printf("snapshot contains entry type %q not present in the model", typeName)
			byID = map[uint64]*EntryRecord{}
			s.entries[typeName] = byID
		}
		for _, rec := range recs {
			if rec.Fields == nil {
				rec.Fields = map[string]Value{}
			}
			s.seq++
			byID[s.seq] = rec
		}
	}
	s.cursor = snapshot.Cursor
}

func (s *MemoryStore) FetchAssets(pred Predicate) ([]*AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := sortedKeys(s.assets)
	out := make([]*AssetRecord, 0, len(keys))
	for _, key := range keys {
		rec := s.assets[key]
		if pred.Matches(rec.ID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateAsset() (*AssetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &AssetRecord{}
	s.seq++
	s.assets[s.seq] = rec
	return rec, nil
}

func (s *MemoryStore) DeleteAssets(pred Predicate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.assets {
		if pred.Matches(rec.ID) {
			delete(s.assets, key)
		}
	}
	return nil
}

func (s *MemoryStore) FetchEntries(typeName string, pred Predicate) ([]*EntryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.entries[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	keys := sortedKeys(byID)
	out := make([]*EntryRecord, 0, len(keys))
	for _, key := range keys {
		rec := byID[key]
		if pred.Matches(rec.ID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateEntry(typeName string) (*EntryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.entries[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	rec := &EntryRecord{TypeName: typeName, Fields: map[string]Value{}}
	s.seq++
	byID[s.seq] = rec
	return rec, nil
}

func (s *MemoryStore) DeleteEntries(typeName string, pred Predicate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.entries[typeName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	for key, rec := range byID {
		if pred.Matches(rec.ID) {
			delete(byID, key)
		}
	}
	return nil
}

func (s *MemoryStore) FetchSpaceCursors() ([]*SpaceCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cursor == nil {
		return []*SpaceCursor{}, nil
	}
	return []*SpaceCursor{s.cursor}, nil
}

// CreateSpaceCursor allocates the cursor row. The store keeps a single
// cursor; callers fetch before creating.
func (s *MemoryStore) CreateSpaceCursor() (*SpaceCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &SpaceCursor{}
	s.cursor = rec
	return rec, nil
}

// Save snapshots the current state through the backend.
func (s *MemoryStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := &storeSnapshot{
		SavedAt: s.clock(),
		Assets:  make([]*AssetRecord, 0, len(s.assets)),
		Entries: map[string][]*EntryRecord{},
		Cursor:  s.cursor,
	}
	for _, key := range sortedKeys(s.assets) {
		snapshot.Assets = append(snapshot.Assets, s.assets[key])
	}
	for typeName, byID := range s.entries {
		recs := make([]*EntryRecord, 0, len(byID))
		for _, key := range sortedKeys(byID) {
			recs = append(recs, byID[key])
		}
		snapshot.Entries[typeName] = recs
	}
	return s.backend.Save(snapshot)
}

func (s *MemoryStore) Properties(typeName string) []string {
	return s.model.PropertiesOf(typeName)
}

func (s *MemoryStore) Relationships(typeName string) []string {
	return s.model.RelationshipsOf(typeName)
}

func (s *MemoryStore) EntryTypeNames() []string {
	return s.model.TypeNames()
}
