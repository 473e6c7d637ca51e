package contentstore

import (
	"errors"
	"net/url"
	"path/filepath"
	"testing"
)

func TestBuildStoreFromDSNSchemes(t *testing.T) {
	model := memoryTestModel(t)

	store, err := BuildStoreFromDSN("memory://", model)
	if err != nil {
		t.Fatalf("memory scheme failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	path := filepath.Join(t.TempDir(), "state.json")
	store, err = BuildStoreFromDSN("file://"+path, model)
	if err != nil {
		t.Fatalf("file scheme failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected snapshot-backed memory store, got %T", store)
	}

	store, err = BuildStoreFromDSN("sqlite://"+filepath.Join(t.TempDir(), "space.db"), model)
	if err != nil {
		t.Fatalf("sqlite scheme failed: %v", err)
	}
	sqliteStore, ok := store.(*SQLiteStore)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	_ = sqliteStore.Close()

	if _, err := BuildStoreFromDSN("mysql://u:p@h/db", model); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mysql, got %v", err)
	}
	if _, err := BuildStoreFromDSN("carrier-pigeon://coop", model); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := BuildStoreFromDSN("   ", model); err == nil {
		t.Fatalf("expected empty dsn error")
	}
}

func TestRegisteredFactoryTakesPrecedence(t *testing.T) {
	model := memoryTestModel(t)
	var gotDSN string
	RegisterStoreFactory("testmem", func(dsn string, m *ContentModel) (Store, error) {
		gotDSN = dsn
		return NewMemoryStore(m, MemoryStoreOptions{})
	})
	store, err := BuildStoreFromDSN("testmem://anything", model)
	if err != nil {
		t.Fatalf("registered factory failed: %v", err)
	}
	if store == nil || gotDSN != "testmem://anything" {
		t.Fatalf("expected factory to receive the raw dsn, got %q", gotDSN)
	}
}

func TestDSNPathForms(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"file:///var/lib/space/state.json", "/var/lib/space/state.json"},
		{"file:relative/state.json", "relative/state.json"},
		{"./bare/path.json", "./bare/path.json"},
	}
	for _, tt := range tests {
		parsed, err := url.Parse(tt.dsn)
		if err != nil {
			t.Fatalf("parse %q failed: %v", tt.dsn, err)
		}
		got, err := dsnPath(parsed, tt.dsn)
		if err != nil {
			t.Fatalf("dsnPath(%q) failed: %v", tt.dsn, err)
		}
		if got != tt.want {
			t.Fatalf("dsnPath(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}
