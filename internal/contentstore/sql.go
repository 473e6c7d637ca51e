package contentstore

import (
	"database/sql"
	"encoding/json"
	"sort"
	"time"
)

// sqlOpTimeout bounds every statement issued by the SQL-backed stores.
const sqlOpTimeout = 5 * time.Second

// cursorKey is the fixed identity of the singleton space cursor row.
const cursorKey = "default"

// sqlOpenFunc is swapped out by tests.
var sqlOpenFunc = sql.Open

// Handles pair a live record pointer with its serialized form as of load or
// last save. Save flushes only handles whose current serialization differs,
// so an unchanged space produces no writes.
type assetHandle struct {
	rec    *AssetRecord
	loaded []byte
}

type entryHandle struct {
	rec    *EntryRecord
	loaded []byte
}

type cursorHandle struct {
	rec    *SpaceCursor
	loaded []byte
}

// canonicalJSON is the serialization used for dirty checks. encoding/json
// sorts map keys, so equal records always produce equal bytes.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
