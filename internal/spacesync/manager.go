package spacesync

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/relayworks/spacesync/internal/contentstore"
)

// Logger is the minimal logging surface the engine writes to. *log.Logger
// satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// FieldKind discriminates the decoded remote field variants.
type FieldKind string

const (
	FieldString     FieldKind = "string"
	FieldNumber     FieldKind = "number"
	FieldBool       FieldKind = "bool"
	FieldStringList FieldKind = "stringList"
	FieldLink       FieldKind = "link"
	FieldLinkList   FieldKind = "linkList"
)

// Field is a tagged variant: exactly one payload field is meaningful for a
// given Kind. Link and LinkList carry remote target ids that are deferred
// into the ledger rather than assigned directly.
type Field struct {
	Kind  FieldKind
	Str   string
	Num   float64
	Bool  bool
	Strs  []string
	Link  string
	Links []string
}

func StringField(s string) Field { return Field{Kind: FieldString, Str: s} }

func NumberField(f float64) Field { return Field{Kind: FieldNumber, Num: f} }

func BoolField(b bool) Field { return Field{Kind: FieldBool, Bool: b} }

func StringListField(s []string) Field { return Field{Kind: FieldStringList, Strs: s} }

func LinkField(id string) Field { return Field{Kind: FieldLink, Link: id} }

func LinkListField(ids []string) Field { return Field{Kind: FieldLinkList, Links: ids} }

// Asset is the asset-created callback payload.
type Asset struct {
	ID          string
	Title       string
	Description string
	URL         string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Entry is the entry-created callback payload. Fields are keyed by remote
// field name.
type Entry struct {
	ID          string
	ContentType string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Fields      map[string]Field
}

// LinkTargetKind discriminates single-target from multi-target link fields,
// so the two resolution branches are exhaustive.
type LinkTargetKind string

const (
	LinkSingle LinkTargetKind = "single"
	LinkMany   LinkTargetKind = "many"
)

// LinkTarget is a pending relationship value recorded in the ledger: either
// one target id or an ordered list of target ids.
type LinkTarget struct {
	Kind LinkTargetKind
	ID   string
	IDs  []string
}

// ResolutionStats summarizes one resolution pass. Every failure on the
// resolution path is tolerated, so counts are the only output.
type ResolutionStats struct {
	EntriesVisited int
	FieldsLinked   int
	Dangling       int
	Skipped        int
}

// ManagerOptions configures a Manager. Zero values get defaults.
type ManagerOptions struct {
	Logger Logger
	Clock  func() time.Time

	// OnEntrySkipped, when set, is called for every entry dropped because
	// its content type is not in the model. Hosts hook counters here.
	OnEntrySkipped func(contentType string)
}

// Manager reconciles an incremental content delta into a contentstore.Store.
// Relationship fields are deferred into a ledger during ingestion and linked
// in ResolveRelationships once a batch has landed, since a delta page may
// reference an entity that arrives on a later page.
//
// A Manager is single-writer: ingestion calls and the resolution pass must
// be invoked sequentially from one coordinating goroutine.
type Manager struct {
	store     contentstore.Store
	model     *contentstore.ContentModel
	logger    Logger
	clock     func() time.Time
	onSkipped func(contentType string)

	// pending is the deferred relationship ledger: entry id -> local
	// property name -> link target. Cleared after every resolution pass.
	pending map[string]map[string]LinkTarget

	// derived field mappings cached per content type id for the life of
	// the manager. Explicit mappings are used verbatim and never cached.
	mappings map[string]map[string]string
}

// NewManager builds a Manager over a store and its registered content model.
func NewManager(store contentstore.Store, model *contentstore.ContentModel, opts ManagerOptions) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", contentstore.ErrInvalidInput)
	}
	if model == nil {
		return nil, fmt.Errorf("%w: content model is required", contentstore.ErrInvalidInput)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		store:     store,
		model:     model,
		logger:    opts.Logger,
		clock:     opts.Clock,
		onSkipped: opts.OnEntrySkipped,
		pending:   map[string]map[string]LinkTarget{},
		mappings:  map[string]map[string]string{},
	}, nil
}

// PendingCount reports how many ledger entries await resolution.
func (m *Manager) PendingCount() int {
	return len(m.pending)
}

// CreateAsset upserts an asset record by remote id. The incoming values win
// unconditionally; the remote source is the single writer of truth.
func (m *Manager) CreateAsset(asset Asset) error {
	if asset.ID == "" {
		return fmt.Errorf("%w: asset id is required", contentstore.ErrInvalidInput)
	}
	rec := m.fetchAsset(asset.ID)
	if rec == nil {
		created, err := m.store.CreateAsset()
		if err != nil {
			return fmt.Errorf("create asset %s: %w", asset.ID, err)
		}
		rec = created
		rec.ID = asset.ID
	}
	rec.Title = asset.Title
	rec.Description = asset.Description
	rec.URL = asset.URL
	rec.CreatedAt = asset.CreatedAt
	rec.UpdatedAt = asset.UpdatedAt
	return nil
}

// CreateEntry upserts an entry record by remote id. Entries with a content
// type outside the registered model are skipped: content types the model
// does not declare are intentionally ignored, not an error. Relationship
// fields are recorded in the ledger for a later ResolveRelationships pass;
// the last delta for a given entry id within a batch wins.
func (m *Manager) CreateEntry(entry Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: entry id is required", contentstore.ErrInvalidInput)
	}
	def, ok := m.model.TypeForContentType(entry.ContentType)
	if !ok {
		m.logf("skipping entry %s: content type %q is not in the model", entry.ID, entry.ContentType)
		if m.onSkipped != nil {
			m.onSkipped(entry.ContentType)
		}
		return nil
	}
	rec := m.fetchEntry(def.Name, entry.ID)
	if rec == nil {
		created, err := m.store.CreateEntry(def.Name)
		if err != nil {
			return fmt.Errorf("create entry %s: %w", entry.ID, err)
		}
		rec = created
		rec.ID = entry.ID
	}
	rec.CreatedAt = entry.CreatedAt
	rec.UpdatedAt = entry.UpdatedAt

	relationships := map[string]struct{}{}
	for _, name := range m.store.Relationships(def.Name) {
		relationships[name] = struct{}{}
	}

	mapping := m.fieldMapping(def, entry)
	for fieldName, propName := range mapping {
		if _, isRel := relationships[propName]; isRel {
			continue
		}
		field, present := entry.Fields[fieldName]
		if !present {
			continue
		}
		value, ok := scalarValue(field)
		if !ok {
			continue
		}
		rec.Fields[propName] = value
	}

	links := m.extractLinks(def, entry, relationships)
	if len(links) == 0 {
		delete(m.pending, entry.ID)
		return nil
	}
	m.pending[entry.ID] = links
	return nil
}

// DeleteAsset removes the asset with the given id, if present. Deletion is
// best effort; failures are logged and swallowed.
func (m *Manager) DeleteAsset(id string) {
	if err := m.store.DeleteAssets(contentstore.ByID(id)); err != nil {
		m.logf("delete asset %s: %v", id, err)
	}
}

// DeleteEntry removes the entry with the given id from whichever configured
// entry type holds it. The concrete type is not known from the delete event
// alone, so the predicate runs across every type and no-ops where nothing
// matches.
func (m *Manager) DeleteEntry(id string) {
	for _, typeName := range m.store.EntryTypeNames() {
		if err := m.store.DeleteEntries(typeName, contentstore.ByID(id)); err != nil {
			m.logf("delete entry %s from %s: %v", id, typeName, err)
		}
	}
}

// ResolveRelationships drains the ledger against a lookup cache built over
// the store's current contents. A ledger entry whose own record is absent is
// skipped; a link whose target is absent is left unresolved. The ledger is
// cleared unconditionally: dangling links are not retried unless re-ingested.
func (m *Manager) ResolveRelationships() ResolutionStats {
	var stats ResolutionStats
	if len(m.pending) == 0 {
		return stats
	}
	cache := m.buildLookupCache()

	entryIDs := make([]string, 0, len(m.pending))
	for id := range m.pending {
		entryIDs = append(entryIDs, id)
	}
	sort.Strings(entryIDs)

	for _, entryID := range entryIDs {
		rec, ok := cache.entries[entryID]
		if !ok {
			stats.Skipped++
			continue
		}
		stats.EntriesVisited++
		for propName, target := range m.pending[entryID] {
			switch target.Kind {
			case LinkSingle:
				if _, exists := cache.ids[target.ID]; exists {
					rec.Fields[propName] = contentstore.RefValue(target.ID)
					stats.FieldsLinked++
				} else {
					stats.Dangling++
				}
			case LinkMany:
				resolved := make([]string, 0, len(target.IDs))
				for _, id := range target.IDs {
					if _, exists := cache.ids[id]; exists {
						resolved = append(resolved, id)
					} else {
						stats.Dangling++
					}
				}
				rec.Fields[propName] = contentstore.RefListValue(resolved)
				stats.FieldsLinked++
			}
		}
	}

	m.pending = map[string]map[string]LinkTarget{}
	return stats
}

// SyncToken returns the persisted sync token, or "" if none has been stored.
func (m *Manager) SyncToken() (string, error) {
	cursor, err := m.fetchSpace()
	if err != nil {
		return "", err
	}
	return cursor.SyncToken, nil
}

// UpdateSyncToken overwrites the singleton cursor's token. Save persists it.
func (m *Manager) UpdateSyncToken(token string) error {
	cursor, err := m.fetchSpace()
	if err != nil {
		return err
	}
	cursor.SyncToken = token
	cursor.UpdatedAt = m.clock()
	return nil
}

// Save flushes the store.
func (m *Manager) Save() error {
	return m.store.Save()
}

// fetchSpace returns the singleton cursor, creating it on first access.
// Cursor fetch failures are tolerated as "no cursor yet"; creation failures
// are fatal since a second creation would break the singleton invariant.
func (m *Manager) fetchSpace() (*contentstore.SpaceCursor, error) {
	cursors, err := m.store.FetchSpaceCursors()
	if err != nil {
		m.logf("fetch space cursor: %v", err)
	}
	if len(cursors) > 0 {
		return cursors[0], nil
	}
	cursor, err := m.store.CreateSpaceCursor()
	if err != nil {
		return nil, fmt.Errorf("create space cursor: %w", err)
	}
	return cursor, nil
}

func (m *Manager) fetchAsset(id string) *contentstore.AssetRecord {
	recs, err := m.store.FetchAssets(contentstore.ByID(id))
	if err != nil {
		m.logf("fetch asset %s: %v", id, err)
		return nil
	}
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}

func (m *Manager) fetchEntry(typeName, id string) *contentstore.EntryRecord {
	recs, err := m.store.FetchEntries(typeName, contentstore.ByID(id))
	if err != nil {
		m.logf("fetch entry %s from %s: %v", id, typeName, err)
		return nil
	}
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}

// fieldMapping returns the remote-field-to-property mapping for a type. An
// explicit mapping declared by the type wins verbatim. Otherwise the mapping
// is derived by intersecting the store's property names with the observed
// field names, mapping each shared name to itself, and cached per content
// type. An empty intersection yields an empty mapping, not an error.
func (m *Manager) fieldMapping(def contentstore.EntryTypeDef, entry Entry) map[string]string {
	if def.FieldMapping != nil {
		return def.FieldMapping
	}
	if cached, ok := m.mappings[def.ContentType]; ok {
		return cached
	}
	mapping := map[string]string{}
	for _, propName := range m.store.Properties(def.Name) {
		if _, present := entry.Fields[propName]; present {
			mapping[propName] = propName
		}
	}
	m.mappings[def.ContentType] = mapping
	return mapping
}

// extractLinks collects the entry's pending relationship targets, keyed by
// local property name. The remote field carrying a relationship is the
// property name itself unless an explicit mapping names a different field.
func (m *Manager) extractLinks(def contentstore.EntryTypeDef, entry Entry, relationships map[string]struct{}) map[string]LinkTarget {
	fieldNames := map[string]string{}
	for propName := range relationships {
		fieldNames[propName] = propName
	}
	for fieldName, propName := range def.FieldMapping {
		if _, isRel := relationships[propName]; isRel {
			fieldNames[propName] = fieldName
		}
	}

	links := map[string]LinkTarget{}
	for propName, fieldName := range fieldNames {
		field, present := entry.Fields[fieldName]
		if !present {
			continue
		}
		switch field.Kind {
		case FieldLink:
			links[propName] = LinkTarget{Kind: LinkSingle, ID: field.Link}
		case FieldLinkList:
			ids := append([]string(nil), field.Links...)
			links[propName] = LinkTarget{Kind: LinkMany, IDs: ids}
		}
	}
	return links
}

type lookupCache struct {
	// ids indexes every materialized asset and entry id.
	ids map[string]struct{}
	// entries maps entry id to its record, across all configured types.
	entries map[string]*contentstore.EntryRecord
}

// buildLookupCache snapshots the store's current contents. Fetch failures
// are tolerated and yield a partial cache; affected links resolve as
// dangling rather than failing the pass.
func (m *Manager) buildLookupCache() lookupCache {
	cache := lookupCache{
		ids:     map[string]struct{}{},
		entries: map[string]*contentstore.EntryRecord{},
	}
	assets, err := m.store.FetchAssets(contentstore.MatchAll())
	if err != nil {
		m.logf("lookup cache: fetch assets: %v", err)
	}
	for _, rec := range assets {
		cache.ids[rec.ID] = struct{}{}
	}
	for _, typeName := range m.store.EntryTypeNames() {
		recs, err := m.store.FetchEntries(typeName, contentstore.MatchAll())
		if err != nil {
			m.logf("lookup cache: fetch entries of %s: %v", typeName, err)
			continue
		}
		for _, rec := range recs {
			cache.ids[rec.ID] = struct{}{}
			cache.entries[rec.ID] = rec
		}
	}
	return cache
}

// scalarValue converts a decoded remote field into its stored value. A
// string list is packed into an opaque JSON blob: the store models it as a
// single attribute, not a relationship. Link fields are not scalars.
func scalarValue(field Field) (contentstore.Value, bool) {
	switch field.Kind {
	case FieldString:
		return contentstore.StringValue(field.Str), true
	case FieldNumber:
		return contentstore.NumberValue(field.Num), true
	case FieldBool:
		return contentstore.BoolValue(field.Bool), true
	case FieldStringList:
		packed, err := json.Marshal(field.Strs)
		if err != nil {
			return contentstore.Value{}, false
		}
		return contentstore.BlobValue(packed), true
	default:
		return contentstore.Value{}, false
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
