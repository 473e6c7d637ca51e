// Package deltafeed produces delta pages for the sync engine from an HTTP
// pagination API, a spool directory, or a websocket live feed, and drives
// the engine's ingestion callbacks.
package deltafeed

import (
	"encoding/json"
	"time"

	"github.com/relayworks/spacesync/internal/spacesync"
)

// Item kinds carried on the wire. Unknown kinds are ignored for forward
// compatibility.
const (
	KindAssetUpsert  = "asset.upsert"
	KindEntryUpsert  = "entry.upsert"
	KindAssetDeleted = "asset.deleted"
	KindEntryDeleted = "entry.deleted"
)

// DeltaPage is one page of the remote delta stream. SyncToken is present on
// the final page of a batch.
type DeltaPage struct {
	Items      []DeltaItem `json:"items"`
	NextCursor *string     `json:"nextCursor"`
	SyncToken  string      `json:"syncToken,omitempty"`
}

type DeltaItem struct {
	Kind  string        `json:"kind"`
	Asset *AssetPayload `json:"asset,omitempty"`
	Entry *EntryPayload `json:"entry,omitempty"`
	ID    string        `json:"id,omitempty"`
}

type AssetPayload struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type EntryPayload struct {
	ID          string                     `json:"id"`
	ContentType string                     `json:"contentType"`
	CreatedAt   time.Time                  `json:"createdAt"`
	UpdatedAt   time.Time                  `json:"updatedAt"`
	Fields      map[string]json.RawMessage `json:"fields"`
}

func (p *AssetPayload) ToAsset() spacesync.Asset {
	return spacesync.Asset{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		URL:         p.URL,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ToEntry decodes the payload's raw fields into the engine's tagged field
// variants. Fields that decode to no supported shape are dropped.
func (p *EntryPayload) ToEntry() spacesync.Entry {
	entry := spacesync.Entry{
		ID:          p.ID,
		ContentType: p.ContentType,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		Fields:      map[string]spacesync.Field{},
	}
	for name, raw := range p.Fields {
		if field, ok := decodeField(raw); ok {
			entry.Fields[name] = field
		}
	}
	return entry
}

// linkObject is the wire shape of a relationship target.
type linkObject struct {
	Link string `json:"link"`
}

// decodeField maps a raw JSON field value onto the engine's field variants:
// scalar string/number/bool, array of strings, {"link": id}, or an array of
// link objects. Anything else is skipped.
func decodeField(raw json.RawMessage) (spacesync.Field, bool) {
	if string(raw) == "null" {
		return spacesync.Field{}, false
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return spacesync.StringField(str), true
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return spacesync.NumberField(num), true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return spacesync.BoolField(b), true
	}
	var link linkObject
	if err := json.Unmarshal(raw, &link); err == nil && link.Link != "" {
		return spacesync.LinkField(link.Link), true
	}
	var links []linkObject
	if err := json.Unmarshal(raw, &links); err == nil && allLinks(links) {
		ids := make([]string, 0, len(links))
		for _, l := range links {
			ids = append(ids, l.Link)
		}
		return spacesync.LinkListField(ids), true
	}
	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil {
		return spacesync.StringListField(strs), true
	}
	return spacesync.Field{}, false
}

// allLinks rejects []linkObject decodes of arrays that were really scalar
// lists: json happily unmarshals `["a"]` into []linkObject only by failing,
// but `[{}]` would pass with empty ids.
func allLinks(links []linkObject) bool {
	if len(links) == 0 {
		return false
	}
	for _, l := range links {
		if l.Link == "" {
			return false
		}
	}
	return true
}
