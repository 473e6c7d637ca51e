package contentstore

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStoreFromDSN selects a store backend by DSN scheme:
//
//	memory://                  in-memory, lost on exit
//	file:///path/state.json    in-memory with an atomic JSON snapshot
//	sqlite:///path/space.db    embedded sqlite database
//	postgres://...             shared postgres database
//
// A registered factory for the scheme takes precedence over the built-ins.
func BuildStoreFromDSN(dsn string, model *ContentModel) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: store dsn is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, model)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewMemoryStore(model, MemoryStoreOptions{Backend: NewJSONFileBackend(path)})
	case "memory", "mem", "inmem":
		return NewMemoryStore(model, MemoryStoreOptions{})
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path, model, SQLiteStoreOptions{})
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, model, PostgresStoreOptions{})
	case "mysql":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

// dsnPath extracts the filesystem path from a file-style DSN, falling back
// through path, opaque, and host forms so file:./rel, file:///abs, and bare
// paths all work.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
