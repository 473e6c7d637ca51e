package deltafeed

import (
	"os"
	"path/filepath"
	"testing"
)

func writePageFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write page file: %v", err)
	}
}

func TestDirSourceScanAppliesFilesInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writePageFile(t, dir, "0002-page.json", `{"items": [{"kind": "entry.deleted", "id": "e2"}]}`)
	writePageFile(t, dir, "0001-page.json", `{"items": [{"kind": "entry.deleted", "id": "e1"}], "syncToken": "tok1"}`)
	writePageFile(t, dir, ".hidden.json", `{"items": []}`)
	writePageFile(t, dir, "notes.txt", `not a page`)

	applier := &fakeApplier{}
	runner := newTestRunner(t, applier, nil)
	source, err := NewDirSource(runner, DirSourceOptions{Dir: dir})
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}
	if err := source.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	assertCalls(t, applier.calls, []string{
		"deleteEntry:e1", "resolve", "updateToken:tok1", "save",
		"deleteEntry:e2", "resolve", "save",
	})
}

func TestDirSourceScanAppliesEachFileOnce(t *testing.T) {
	dir := t.TempDir()
	writePageFile(t, dir, "page.json", `{"items": [{"kind": "asset.deleted", "id": "a1"}]}`)

	applier := &fakeApplier{}
	runner := newTestRunner(t, applier, nil)
	source, err := NewDirSource(runner, DirSourceOptions{Dir: dir})
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}
	if err := source.Scan(); err != nil {
		t.Fatalf("first Scan failed: %v", err)
	}
	if err := source.Scan(); err != nil {
		t.Fatalf("second Scan failed: %v", err)
	}
	assertCalls(t, applier.calls, []string{"deleteAsset:a1", "resolve", "save"})
}

func TestDirSourceIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	writePageFile(t, dir, "page.json", `{"items": [{"kind": "asset.deleted", "id": "a1"}]}`)

	applier := &fakeApplier{}
	runner := newTestRunner(t, applier, nil)
	source, err := NewDirSource(runner, DirSourceOptions{Dir: dir})
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}
	if err := source.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	reopened, err := NewDirSource(runner, DirSourceOptions{Dir: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := reopened.Scan(); err != nil {
		t.Fatalf("Scan after reopen failed: %v", err)
	}
	assertCalls(t, applier.calls, []string{"deleteAsset:a1", "resolve", "save"})
}

func TestDirSourceSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	writePageFile(t, dir, "bad.json", `{not json`)
	writePageFile(t, dir, "good.json", `{"items": [{"kind": "entry.deleted", "id": "e1"}]}`)

	applier := &fakeApplier{}
	runner := newTestRunner(t, applier, nil)
	source, err := NewDirSource(runner, DirSourceOptions{Dir: dir})
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}
	if err := source.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	assertCalls(t, applier.calls, []string{"deleteEntry:e1", "resolve", "save"})
}
