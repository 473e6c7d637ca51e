package contentstore

import (
	"strings"
	"testing"
)

func TestNewContentModelRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		defs []EntryTypeDef
	}{
		{
			name: "missing name",
			defs: []EntryTypeDef{{ContentType: "post"}},
		},
		{
			name: "missing content type",
			defs: []EntryTypeDef{{Name: "posts"}},
		},
		{
			name: "duplicate type name",
			defs: []EntryTypeDef{
				{Name: "posts", ContentType: "post"},
				{Name: "posts", ContentType: "article"},
			},
		},
		{
			name: "duplicate content type",
			defs: []EntryTypeDef{
				{Name: "posts", ContentType: "post"},
				{Name: "articles", ContentType: "post"},
			},
		},
		{
			name: "property and relationship overlap",
			defs: []EntryTypeDef{{
				Name:          "posts",
				ContentType:   "post",
				Properties:    []string{"author"},
				Relationships: []string{"author"},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewContentModel(tt.defs...); err == nil {
				t.Fatalf("expected invalid model error")
			}
		})
	}
}

func TestLoadModelValidatesAgainstSchema(t *testing.T) {
	valid := `{
		"version": 1,
		"entryTypes": [
			{
				"name": "posts",
				"contentType": "post",
				"properties": ["title"],
				"relationships": ["author"],
				"fieldMapping": {"headline": "title"}
			}
		]
	}`
	model, err := LoadModel(strings.NewReader(valid))
	if err != nil {
		t.Fatalf("load valid model failed: %v", err)
	}
	def, ok := model.TypeForContentType("post")
	if !ok || def.Name != "posts" {
		t.Fatalf("expected posts type for content type post, got %+v ok=%v", def, ok)
	}
	if def.FieldMapping["headline"] != "title" {
		t.Fatalf("expected explicit mapping to survive load, got %+v", def.FieldMapping)
	}

	for name, doc := range map[string]string{
		"not json":           `{"version": 1,`,
		"missing version":    `{"entryTypes": [{"name": "a", "contentType": "b"}]}`,
		"empty entry types":  `{"version": 1, "entryTypes": []}`,
		"unknown field":      `{"version": 1, "entryTypes": [{"name": "a", "contentType": "b", "bogus": true}]}`,
		"empty type name":    `{"version": 1, "entryTypes": [{"name": "", "contentType": "b"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadModel(strings.NewReader(doc)); err == nil {
				t.Fatalf("expected schema validation to reject document")
			}
		})
	}
}

func TestModelIntrospectionCopiesSlices(t *testing.T) {
	model, err := NewContentModel(EntryTypeDef{
		Name:          "posts",
		ContentType:   "post",
		Properties:    []string{"b", "a"},
		Relationships: []string{"author"},
	})
	if err != nil {
		t.Fatalf("build model failed: %v", err)
	}
	props := model.PropertiesOf("posts")
	props[0] = "mutated"
	if got := model.PropertiesOf("posts")[0]; got != "b" {
		t.Fatalf("expected introspection result to be a copy, got %q", got)
	}
	if model.PropertiesOf("ghosts") != nil {
		t.Fatalf("expected nil properties for unknown type")
	}
	names := model.TypeNames()
	if len(names) != 1 || names[0] != "posts" {
		t.Fatalf("unexpected type names %v", names)
	}
}
