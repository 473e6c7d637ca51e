package contentstore

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUnknownType    = errors.New("unknown entry type")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidModel   = errors.New("invalid content model")
	ErrNotImplemented = errors.New("not implemented")
)

// ValueKind discriminates the stored representations of an entry property.
type ValueKind string

const (
	ValueString  ValueKind = "string"
	ValueNumber  ValueKind = "number"
	ValueBool    ValueKind = "bool"
	ValueBlob    ValueKind = "blob"
	ValueRef     ValueKind = "ref"
	ValueRefList ValueKind = "refList"
)

// Value is a tagged variant: exactly one payload field is meaningful for a
// given Kind. Blob carries opaque packed payloads (scalar arrays), Ref a
// single resolved target id, Refs an ordered list of resolved target ids.
type Value struct {
	Kind ValueKind `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Num  float64   `json:"num,omitempty"`
	Bool bool      `json:"bool,omitempty"`
	Blob []byte    `json:"blob,omitempty"`
	Ref  string    `json:"ref,omitempty"`
	Refs []string  `json:"refs,omitempty"`
}

// RefIDs returns the resolved target ids of a ref or refList value. For a
// refList the result is never nil, even after a JSON round trip of an empty
// list.
func (v Value) RefIDs() []string {
	switch v.Kind {
	case ValueRef:
		if v.Ref == "" {
			return []string{}
		}
		return []string{v.Ref}
	case ValueRefList:
		if v.Refs == nil {
			return []string{}
		}
		return v.Refs
	default:
		return nil
	}
}

func StringValue(s string) Value  { return Value{Kind: ValueString, Str: s} }
func NumberValue(f float64) Value { return Value{Kind: ValueNumber, Num: f} }
func BoolValue(b bool) Value      { return Value{Kind: ValueBool, Bool: b} }
func BlobValue(b []byte) Value    { return Value{Kind: ValueBlob, Blob: b} }
func RefValue(id string) Value    { return Value{Kind: ValueRef, Ref: id} }

// RefListValue never stores a nil slice so an all-missed resolution still
// round-trips as an empty collection.
func RefListValue(ids []string) Value {
	if ids == nil {
		ids = []string{}
	}
	return Value{Kind: ValueRefList, Refs: ids}
}

type AssetRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type EntryRecord struct {
	ID        string           `json:"id"`
	TypeName  string           `json:"typeName"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Fields    map[string]Value `json:"fields"`
}

// SpaceCursor is the singleton sync-token record. Stores key it under a
// fixed identity so at most one row ever exists.
type SpaceCursor struct {
	SyncToken string    `json:"syncToken,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Predicate selects records for fetch and delete. Only id equality and
// match-all are supported.
type Predicate struct {
	id  string
	all bool
}

func ByID(id string) Predicate { return Predicate{id: id} }
func MatchAll() Predicate      { return Predicate{all: true} }

func (p Predicate) Matches(id string) bool {
	if p.all {
		return true
	}
	return p.id != "" && p.id == id
}

// All reports whether the predicate matches every record, which lets SQL
// stores skip the id filter.
func (p Predicate) All() bool { return p.all }

// ID returns the equality target and whether one is set.
func (p Predicate) ID() (string, bool) {
	if p.all || p.id == "" {
		return "", false
	}
	return p.id, true
}

// Store is the generic persistence contract consumed by the sync engine.
// Fetched records are live pointers: mutations made by the caller become
// durable on the next Save. Implementations are safe for concurrent
// readers, but the write flow (create, delete, save) is expected to be
// driven by a single coordinating goroutine.
type Store interface {
	FetchAssets(pred Predicate) ([]*AssetRecord, error)
	CreateAsset() (*AssetRecord, error)
	DeleteAssets(pred Predicate) error

	FetchEntries(typeName string, pred Predicate) ([]*EntryRecord, error)
	CreateEntry(typeName string) (*EntryRecord, error)
	DeleteEntries(typeName string, pred Predicate) error

	FetchSpaceCursors() ([]*SpaceCursor, error)
	CreateSpaceCursor() (*SpaceCursor, error)

	// Save commits pending mutations durably.
	Save() error

	// Schema introspection. Properties and Relationships are disjoint.
	Properties(typeName string) []string
	Relationships(typeName string) []string
	EntryTypeNames() []string
}

type StoreCloser interface {
	Close() error
}
