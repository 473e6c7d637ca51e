package deltafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// dirIndex tracks which page files have been applied so restarts do not
// re-apply them. Persisted as JSON next to the spool directory.
type dirIndex struct {
	Processed map[string]time.Time `json:"processed"`
}

// DirSourceOptions configures a DirSource.
type DirSourceOptions struct {
	Dir       string
	StateFile string
	Logger    Logger
	Clock     func() time.Time
}

// DirSource watches a spool directory for *.json delta page files. Each
// file holds one DeltaPage and is applied as one batch, exactly once. An
// operator (or an upstream exporter) drops pages into the directory; the
// source picks up both pre-existing and newly written files.
type DirSource struct {
	dir       string
	stateFile string
	runner    *Runner
	logger    Logger
	clock     func() time.Time
	index     dirIndex
	loaded    bool
}

func NewDirSource(runner *Runner, opts DirSourceOptions) (*DirSource, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("spool dir is required")
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(dir, ".spacesync-processed.json")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DirSource{
		dir:       dir,
		stateFile: stateFile,
		runner:    runner,
		logger:    opts.Logger,
		clock:     opts.Clock,
		index:     dirIndex{Processed: map[string]time.Time{}},
	}, nil
}

// Run scans the directory once, then watches it until the context ends.
func (s *DirSource) Run(ctx context.Context) error {
	if err := s.loadIndex(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	if err := s.Scan(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isPageFile(event.Name) {
				continue
			}
			if err := s.applyFile(event.Name); err != nil {
				s.logf("apply %s: %v", event.Name, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logf("watcher error: %v", err)
		}
	}
}

// Scan applies every unprocessed page file currently in the directory, in
// name order so exporters can sequence pages lexically.
func (s *DirSource) Scan() error {
	if err := s.loadIndex(); err != nil {
		return err
	}
	names, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(names))
	for _, entry := range names {
		if entry.IsDir() || !isPageFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, entry.Name()))
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := s.applyFile(path); err != nil {
			s.logf("apply %s: %v", path, err)
		}
	}
	return nil
}

func (s *DirSource) applyFile(path string) error {
	name := filepath.Base(path)
	if _, done := s.index.Processed[name]; done {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var page DeltaPage
	if err := json.Unmarshal(data, &page); err != nil {
		return fmt.Errorf("parse page file: %w", err)
	}
	if err := s.runner.ApplyBatch(page); err != nil {
		return err
	}
	s.index.Processed[name] = s.clock()
	return s.saveIndex()
}

func (s *DirSource) loadIndex() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var index dirIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return err
	}
	if index.Processed == nil {
		index.Processed = map[string]time.Time{}
	}
	s.index = index
	return nil
}

func (s *DirSource) saveIndex() error {
	data, err := json.Marshal(s.index)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func isPageFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func (s *DirSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
