package deltafeed

import (
	"encoding/json"
	"testing"

	"github.com/relayworks/spacesync/internal/spacesync"
)

func TestDecodeFieldVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want spacesync.Field
		ok   bool
	}{
		{"string", `"hello"`, spacesync.StringField("hello"), true},
		{"number", `42.5`, spacesync.NumberField(42.5), true},
		{"bool", `true`, spacesync.BoolField(true), true},
		{"string list", `["a", "b"]`, spacesync.StringListField([]string{"a", "b"}), true},
		{"link", `{"link": "e2"}`, spacesync.LinkField("e2"), true},
		{"link list", `[{"link": "e2"}, {"link": "e3"}]`, spacesync.LinkListField([]string{"e2", "e3"}), true},
		{"null", `null`, spacesync.Field{}, false},
		{"object without link", `{"nested": true}`, spacesync.Field{}, false},
		{"mixed array", `[1, "a"]`, spacesync.Field{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := decodeField(json.RawMessage(tt.raw))
			if ok != tt.ok {
				t.Fatalf("decodeField(%s) ok=%v, want %v", tt.raw, ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Kind != tt.want.Kind {
				t.Fatalf("decodeField(%s) kind=%s, want %s", tt.raw, got.Kind, tt.want.Kind)
			}
			switch got.Kind {
			case spacesync.FieldString:
				if got.Str != tt.want.Str {
					t.Fatalf("got %q, want %q", got.Str, tt.want.Str)
				}
			case spacesync.FieldNumber:
				if got.Num != tt.want.Num {
					t.Fatalf("got %f, want %f", got.Num, tt.want.Num)
				}
			case spacesync.FieldBool:
				if got.Bool != tt.want.Bool {
					t.Fatalf("got %v, want %v", got.Bool, tt.want.Bool)
				}
			case spacesync.FieldStringList:
				assertStrings(t, got.Strs, tt.want.Strs)
			case spacesync.FieldLink:
				if got.Link != tt.want.Link {
					t.Fatalf("got %q, want %q", got.Link, tt.want.Link)
				}
			case spacesync.FieldLinkList:
				assertStrings(t, got.Links, tt.want.Links)
			}
		})
	}
}

func assertStrings(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEntryPayloadToEntryDropsUndecodableFields(t *testing.T) {
	payload := EntryPayload{
		ID:          "e1",
		ContentType: "post",
		Fields: map[string]json.RawMessage{
			"title":  json.RawMessage(`"Hello"`),
			"author": json.RawMessage(`{"link": "p1"}`),
			"weird":  json.RawMessage(`{"deeply": {"nested": 1}}`),
		},
	}
	entry := payload.ToEntry()
	if len(entry.Fields) != 2 {
		t.Fatalf("expected 2 decoded fields, got %+v", entry.Fields)
	}
	if entry.Fields["title"].Str != "Hello" || entry.Fields["author"].Link != "p1" {
		t.Fatalf("unexpected decoded fields %+v", entry.Fields)
	}
}

func TestDeltaPageRoundTrip(t *testing.T) {
	doc := `{
		"items": [
			{"kind": "asset.upsert", "asset": {"id": "a1", "url": "https://cdn/a1"}},
			{"kind": "entry.deleted", "id": "e9"}
		],
		"nextCursor": "c2",
		"syncToken": "tok"
	}`
	var page DeltaPage
	if err := json.Unmarshal([]byte(doc), &page); err != nil {
		t.Fatalf("unmarshal page failed: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].Asset == nil || page.Items[0].Asset.ID != "a1" {
		t.Fatalf("unexpected items %+v", page.Items)
	}
	if page.NextCursor == nil || *page.NextCursor != "c2" || page.SyncToken != "tok" {
		t.Fatalf("unexpected cursor %+v token %q", page.NextCursor, page.SyncToken)
	}
}
