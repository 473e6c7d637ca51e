package spacesync

import (
	"errors"
	"testing"

	"github.com/relayworks/spacesync/internal/contentstore"
)

func testModel(t *testing.T) *contentstore.ContentModel {
	t.Helper()
	model, err := contentstore.NewContentModel(
		contentstore.EntryTypeDef{
			Name:          "posts",
			ContentType:   "post",
			Properties:    []string{"title", "body", "tags"},
			Relationships: []string{"author", "related", "linkedTo"},
		},
		contentstore.EntryTypeDef{
			Name:        "authors",
			ContentType: "author",
			Properties:  []string{"name"},
		},
	)
	if err != nil {
		t.Fatalf("build model failed: %v", err)
	}
	return model
}

func testManager(t *testing.T) (*Manager, *contentstore.MemoryStore) {
	t.Helper()
	model := testModel(t)
	store, err := contentstore.NewMemoryStore(model, contentstore.MemoryStoreOptions{})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	manager, err := NewManager(store, model, ManagerOptions{})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	return manager, store
}

func fetchEntry(t *testing.T, store *contentstore.MemoryStore, typeName, id string) *contentstore.EntryRecord {
	t.Helper()
	recs, err := store.FetchEntries(typeName, contentstore.ByID(id))
	if err != nil {
		t.Fatalf("fetch entry %s failed: %v", id, err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one %s record for %s, got %d", typeName, id, len(recs))
	}
	return recs[0]
}

func TestCreateAssetUpsertIsIdempotent(t *testing.T) {
	manager, store := testManager(t)

	asset := Asset{ID: "a1", Title: "First", URL: "https://cdn/a1"}
	if err := manager.CreateAsset(asset); err != nil {
		t.Fatalf("create asset failed: %v", err)
	}
	asset.Title = "Second"
	if err := manager.CreateAsset(asset); err != nil {
		t.Fatalf("re-create asset failed: %v", err)
	}

	recs, err := store.FetchAssets(contentstore.MatchAll())
	if err != nil {
		t.Fatalf("fetch assets failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one asset record, got %d", len(recs))
	}
	if recs[0].Title != "Second" {
		t.Fatalf("expected later title to win, got %q", recs[0].Title)
	}
}

func TestCreateEntryUpsertIsIdempotent(t *testing.T) {
	manager, store := testManager(t)

	entry := Entry{
		ID:          "e1",
		ContentType: "post",
		Fields:      map[string]Field{"title": StringField("v1")},
	}
	if err := manager.CreateEntry(entry); err != nil {
		t.Fatalf("create entry failed: %v", err)
	}
	entry.Fields["title"] = StringField("v2")
	if err := manager.CreateEntry(entry); err != nil {
		t.Fatalf("re-create entry failed: %v", err)
	}

	rec := fetchEntry(t, store, "posts", "e1")
	if got := rec.Fields["title"]; got.Str != "v2" {
		t.Fatalf("expected later title v2, got %q", got.Str)
	}
}

func TestCreateEntrySkipsUnknownContentType(t *testing.T) {
	manager, store := testManager(t)

	err := manager.CreateEntry(Entry{ID: "e1", ContentType: "mystery"})
	if err != nil {
		t.Fatalf("expected unknown content type to be skipped silently, got %v", err)
	}
	for _, typeName := range store.EntryTypeNames() {
		recs, err := store.FetchEntries(typeName, contentstore.MatchAll())
		if err != nil {
			t.Fatalf("fetch entries failed: %v", err)
		}
		if len(recs) != 0 {
			t.Fatalf("expected no records in %s, got %d", typeName, len(recs))
		}
	}
}

func TestCreateEntryPacksStringListIntoBlob(t *testing.T) {
	manager, store := testManager(t)

	err := manager.CreateEntry(Entry{
		ID:          "e1",
		ContentType: "post",
		Fields: map[string]Field{
			"tags": StringListField([]string{"go", "sync"}),
		},
	})
	if err != nil {
		t.Fatalf("create entry failed: %v", err)
	}
	rec := fetchEntry(t, store, "posts", "e1")
	value, ok := rec.Fields["tags"]
	if !ok || value.Kind != contentstore.ValueBlob {
		t.Fatalf("expected tags to be stored as a blob, got %+v", value)
	}
	if string(value.Blob) != `["go","sync"]` {
		t.Fatalf("unexpected packed tags payload %q", string(value.Blob))
	}
}

func TestResolveMutualReferencesEitherOrder(t *testing.T) {
	for _, reversed := range []bool{false, true} {
		manager, store := testManager(t)
		a := Entry{ID: "ea", ContentType: "post", Fields: map[string]Field{"linkedTo": LinkField("eb")}}
		b := Entry{ID: "eb", ContentType: "post", Fields: map[string]Field{"linkedTo": LinkField("ea")}}
		first, second := a, b
		if reversed {
			first, second = b, a
		}
		if err := manager.CreateEntry(first); err != nil {
			t.Fatalf("create first failed: %v", err)
		}
		if err := manager.CreateEntry(second); err != nil {
			t.Fatalf("create second failed: %v", err)
		}

		stats := manager.ResolveRelationships()
		if stats.FieldsLinked != 2 || stats.Dangling != 0 {
			t.Fatalf("expected 2 linked fields with no misses, got %+v", stats)
		}
		if got := fetchEntry(t, store, "posts", "ea").Fields["linkedTo"]; got.Ref != "eb" {
			t.Fatalf("expected ea.linkedTo=eb, got %+v", got)
		}
		if got := fetchEntry(t, store, "posts", "eb").Fields["linkedTo"]; got.Ref != "ea" {
			t.Fatalf("expected eb.linkedTo=ea, got %+v", got)
		}
	}
}

func TestResolveToleratesDanglingSingleLink(t *testing.T) {
	manager, store := testManager(t)

	err := manager.CreateEntry(Entry{
		ID:          "e1",
		ContentType: "post",
		Fields:      map[string]Field{"linkedTo": LinkField("missing")},
	})
	if err != nil {
		t.Fatalf("create entry failed: %v", err)
	}
	stats := manager.ResolveRelationships()
	if stats.Dangling != 1 || stats.FieldsLinked != 0 {
		t.Fatalf("expected one dangling miss, got %+v", stats)
	}
	rec := fetchEntry(t, store, "posts", "e1")
	if _, set := rec.Fields["linkedTo"]; set {
		t.Fatalf("expected dangling single link to remain unset, got %+v", rec.Fields["linkedTo"])
	}
	if manager.PendingCount() != 0 {
		t.Fatalf("expected ledger to be cleared after resolution")
	}
}

func TestResolveManyDropsMissesAndPreservesOrder(t *testing.T) {
	manager, store := testManager(t)

	for _, id := range []string{"e2", "e3"} {
		if err := manager.CreateEntry(Entry{ID: id, ContentType: "post"}); err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
	}
	err := manager.CreateEntry(Entry{
		ID:          "e1",
		ContentType: "post",
		Fields: map[string]Field{
			"related": LinkListField([]string{"e3", "missing", "e2", "e3"}),
		},
	})
	if err != nil {
		t.Fatalf("create e1 failed: %v", err)
	}

	manager.ResolveRelationships()
	value := fetchEntry(t, store, "posts", "e1").Fields["related"]
	if value.Kind != contentstore.ValueRefList {
		t.Fatalf("expected refList value, got %+v", value)
	}
	got := value.RefIDs()
	want := []string{"e3", "e2", "e3"}
	if len(got) != len(want) {
		t.Fatalf("expected resolved ids %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected resolved ids %v, got %v", want, got)
		}
	}
}

func TestResolveAllMissesYieldsEmptyNotNilList(t *testing.T) {
	manager, store := testManager(t)

	err := manager.CreateEntry(Entry{
		ID:          "e1",
		ContentType: "post",
		Fields:      map[string]Field{"related": LinkListField([]string{"gone"})},
	})
	if err != nil {
		t.Fatalf("create entry failed: %v", err)
	}
	manager.ResolveRelationships()
	value := fetchEntry(t, store, "posts", "e1").Fields["related"]
	if value.Kind != contentstore.ValueRefList {
		t.Fatalf("expected refList value, got %+v", value)
	}
	if ids := value.RefIDs(); ids == nil || len(ids) != 0 {
		t.Fatalf("expected empty resolved list, got %v", ids)
	}
}

func TestResolveSkipsLedgerEntryWhoseRecordIsAbsent(t *testing.T) {
	manager, _ := testManager(t)

	err := manager.CreateEntry(Entry{
		ID:          "e1",
		ContentType: "post",
		Fields:      map[string]Field{"linkedTo": LinkField("e2")},
	})
	if err != nil {
		t.Fatalf("create entry failed: %v", err)
	}
	manager.DeleteEntry("e1")

	stats := manager.ResolveRelationships()
	if stats.Skipped != 1 || stats.EntriesVisited != 0 {
		t.Fatalf("expected the orphaned ledger entry to be skipped, got %+v", stats)
	}
}

func TestLastDeltaForAnEntryWinsInLedger(t *testing.T) {
	manager, store := testManager(t)

	if err := manager.CreateEntry(Entry{ID: "e2", ContentType: "post"}); err != nil {
		t.Fatalf("create e2 failed: %v", err)
	}
	first := Entry{ID: "e1", ContentType: "post", Fields: map[string]Field{"linkedTo": LinkField("stale")}}
	if err := manager.CreateEntry(first); err != nil {
		t.Fatalf("create e1 failed: %v", err)
	}
	second := Entry{ID: "e1", ContentType: "post", Fields: map[string]Field{"author": LinkField("e2")}}
	if err := manager.CreateEntry(second); err != nil {
		t.Fatalf("re-create e1 failed: %v", err)
	}

	stats := manager.ResolveRelationships()
	if stats.Dangling != 0 {
		t.Fatalf("expected the stale link to be replaced, got %+v", stats)
	}
	rec := fetchEntry(t, store, "posts", "e1")
	if got := rec.Fields["author"]; got.Ref != "e2" {
		t.Fatalf("expected author=e2, got %+v", got)
	}
	if _, set := rec.Fields["linkedTo"]; set {
		t.Fatalf("expected stale linkedTo field from the first delta to be dropped")
	}
}

func TestDeleteEntryScansAllTypesAndNoOpsElsewhere(t *testing.T) {
	manager, store := testManager(t)

	if err := manager.CreateEntry(Entry{ID: "p1", ContentType: "author", Fields: map[string]Field{"name": StringField("Kim")}}); err != nil {
		t.Fatalf("create author failed: %v", err)
	}
	manager.DeleteEntry("p1")
	manager.DeleteEntry("never-existed")

	for _, typeName := range store.EntryTypeNames() {
		recs, err := store.FetchEntries(typeName, contentstore.MatchAll())
		if err != nil {
			t.Fatalf("fetch entries failed: %v", err)
		}
		if len(recs) != 0 {
			t.Fatalf("expected %s to be empty after delete, got %d records", typeName, len(recs))
		}
	}
}

func TestSyncTokenCursorStaysSingleton(t *testing.T) {
	manager, store := testManager(t)

	if token, err := manager.SyncToken(); err != nil || token != "" {
		t.Fatalf("expected empty initial token, got %q err=%v", token, err)
	}
	if err := manager.UpdateSyncToken("tok_1"); err != nil {
		t.Fatalf("update token failed: %v", err)
	}
	if err := manager.UpdateSyncToken("tok_2"); err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if token, err := manager.SyncToken(); err != nil || token != "tok_2" {
		t.Fatalf("expected tok_2, got %q err=%v", token, err)
	}
	cursors, err := store.FetchSpaceCursors()
	if err != nil {
		t.Fatalf("fetch cursors failed: %v", err)
	}
	if len(cursors) != 1 {
		t.Fatalf("expected exactly one cursor record, got %d", len(cursors))
	}
}

func TestDerivedMappingIntersectsAndIsCached(t *testing.T) {
	model, err := contentstore.NewContentModel(contentstore.EntryTypeDef{
		Name:        "docs",
		ContentType: "doc",
		Properties:  []string{"a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("build model failed: %v", err)
	}
	store, err := contentstore.NewMemoryStore(model, contentstore.MemoryStoreOptions{})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	counting := &countingStore{Store: store}
	manager, err := NewManager(counting, model, ManagerOptions{})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}

	fields := map[string]Field{
		"a": StringField("1"),
		"b": StringField("2"),
		"x": StringField("3"),
	}
	if err := manager.CreateEntry(Entry{ID: "d1", ContentType: "doc", Fields: fields}); err != nil {
		t.Fatalf("create d1 failed: %v", err)
	}
	rec := fetchEntry(t, store, "docs", "d1")
	if len(rec.Fields) != 2 || rec.Fields["a"].Str != "1" || rec.Fields["b"].Str != "2" {
		t.Fatalf("expected derived mapping {a:a, b:b}, got fields %+v", rec.Fields)
	}

	derivations := counting.propertyCalls
	if err := manager.CreateEntry(Entry{ID: "d2", ContentType: "doc", Fields: fields}); err != nil {
		t.Fatalf("create d2 failed: %v", err)
	}
	if counting.propertyCalls != derivations {
		t.Fatalf("expected cached mapping to skip re-derivation, Properties called %d extra times", counting.propertyCalls-derivations)
	}
}

func TestDisjointFieldsPersistEntryWithNothingMapped(t *testing.T) {
	model, err := contentstore.NewContentModel(contentstore.EntryTypeDef{
		Name:        "docs",
		ContentType: "doc",
		Properties:  []string{"a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("build model failed: %v", err)
	}
	store, err := contentstore.NewMemoryStore(model, contentstore.MemoryStoreOptions{})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	manager, err := NewManager(store, model, ManagerOptions{})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}

	fields := map[string]Field{
		"x": StringField("1"),
		"y": NumberField(2),
	}
	if err := manager.CreateEntry(Entry{ID: "d1", ContentType: "doc", Fields: fields}); err != nil {
		t.Fatalf("create entry with disjoint fields failed: %v", err)
	}

	rec := fetchEntry(t, store, "docs", "d1")
	if len(rec.Fields) != 0 {
		t.Fatalf("expected no mapped fields for a disjoint payload, got %+v", rec.Fields)
	}
	if manager.PendingCount() != 0 {
		t.Fatalf("expected empty ledger, got %d pending entries", manager.PendingCount())
	}
}

func TestExplicitMappingUsedVerbatimIncludingRelationships(t *testing.T) {
	model, err := contentstore.NewContentModel(contentstore.EntryTypeDef{
		Name:          "articles",
		ContentType:   "article",
		Properties:    []string{"title"},
		Relationships: []string{"writer"},
		FieldMapping:  map[string]string{"headline": "title", "byline": "writer"},
	})
	if err != nil {
		t.Fatalf("build model failed: %v", err)
	}
	store, err := contentstore.NewMemoryStore(model, contentstore.MemoryStoreOptions{})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	manager, err := NewManager(store, model, ManagerOptions{})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}

	if err := manager.CreateEntry(Entry{ID: "w1", ContentType: "article"}); err != nil {
		t.Fatalf("create w1 failed: %v", err)
	}
	err = manager.CreateEntry(Entry{
		ID:          "a1",
		ContentType: "article",
		Fields: map[string]Field{
			"headline": StringField("Hello"),
			"byline":   LinkField("w1"),
		},
	})
	if err != nil {
		t.Fatalf("create a1 failed: %v", err)
	}
	manager.ResolveRelationships()

	rec := fetchEntry(t, store, "articles", "a1")
	if rec.Fields["title"].Str != "Hello" {
		t.Fatalf("expected headline to map onto title, got %+v", rec.Fields)
	}
	if rec.Fields["writer"].Ref != "w1" {
		t.Fatalf("expected byline to resolve onto writer, got %+v", rec.Fields)
	}
}

func TestForwardReferenceEndToEnd(t *testing.T) {
	manager, store := testManager(t)

	err := manager.CreateEntry(Entry{
		ID:          "e1",
		ContentType: "post",
		Fields:      map[string]Field{"linkedTo": LinkField("e2")},
	})
	if err != nil {
		t.Fatalf("create e1 failed: %v", err)
	}
	if err := manager.CreateEntry(Entry{ID: "e2", ContentType: "post"}); err != nil {
		t.Fatalf("create e2 failed: %v", err)
	}

	stats := manager.ResolveRelationships()
	if stats.FieldsLinked != 1 {
		t.Fatalf("expected one linked field, got %+v", stats)
	}
	if got := fetchEntry(t, store, "posts", "e1").Fields["linkedTo"]; got.Ref != "e2" {
		t.Fatalf("expected e1.linkedTo to reference e2, got %+v", got)
	}
}

func TestLinksCanTargetAssets(t *testing.T) {
	manager, store := testManager(t)

	if err := manager.CreateAsset(Asset{ID: "img1", URL: "https://cdn/img1"}); err != nil {
		t.Fatalf("create asset failed: %v", err)
	}
	err := manager.CreateEntry(Entry{
		ID:          "e1",
		ContentType: "post",
		Fields:      map[string]Field{"linkedTo": LinkField("img1")},
	})
	if err != nil {
		t.Fatalf("create entry failed: %v", err)
	}
	stats := manager.ResolveRelationships()
	if stats.FieldsLinked != 1 || stats.Dangling != 0 {
		t.Fatalf("expected the asset target to resolve, got %+v", stats)
	}
	if got := fetchEntry(t, store, "posts", "e1").Fields["linkedTo"]; got.Ref != "img1" {
		t.Fatalf("expected e1.linkedTo=img1, got %+v", got)
	}
}

func TestFetchFailuresToleratedCreateFailuresFatal(t *testing.T) {
	model := testModel(t)
	fatal, err := NewManager(&failingStore{}, model, ManagerOptions{})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}

	if err := fatal.CreateAsset(Asset{ID: "a1"}); err == nil {
		t.Fatalf("expected create failure to surface")
	}
	// Delete failures are best effort and must not panic or surface.
	fatal.DeleteAsset("a1")
	fatal.DeleteEntry("e1")
}

// countingStore counts schema introspection calls to observe mapping cache
// hits.
type countingStore struct {
	contentstore.Store
	propertyCalls int
}

func (s *countingStore) Properties(typeName string) []string {
	s.propertyCalls++
	return s.Store.Properties(typeName)
}

// failingStore fails every operation, exercising the error taxonomy split
// between tolerated reads and fatal writes.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) FetchAssets(contentstore.Predicate) ([]*contentstore.AssetRecord, error) {
	return nil, errStoreDown
}
func (failingStore) CreateAsset() (*contentstore.AssetRecord, error) { return nil, errStoreDown }
func (failingStore) DeleteAssets(contentstore.Predicate) error       { return errStoreDown }
func (failingStore) FetchEntries(string, contentstore.Predicate) ([]*contentstore.EntryRecord, error) {
	return nil, errStoreDown
}
func (failingStore) CreateEntry(string) (*contentstore.EntryRecord, error) { return nil, errStoreDown }
func (failingStore) DeleteEntries(string, contentstore.Predicate) error    { return errStoreDown }
func (failingStore) FetchSpaceCursors() ([]*contentstore.SpaceCursor, error) {
	return nil, errStoreDown
}
func (failingStore) CreateSpaceCursor() (*contentstore.SpaceCursor, error) { return nil, errStoreDown }
func (failingStore) Save() error                                           { return errStoreDown }
func (failingStore) Properties(string) []string    { return nil }
func (failingStore) Relationships(string) []string { return nil }
func (failingStore) EntryTypeNames() []string      { return []string{"posts"} }
