package contentstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EntryTypeDef declares one local entry type: its store name, the remote
// content type it materializes, the scalar properties and relationship
// properties it exposes (disjoint sets), and an optional explicit mapping
// from remote field names to local property names. When FieldMapping is
// set it is used verbatim; otherwise the mapping is derived by name
// intersection at sync time.
type EntryTypeDef struct {
	Name          string            `json:"name"`
	ContentType   string            `json:"contentType"`
	Properties    []string          `json:"properties,omitempty"`
	Relationships []string          `json:"relationships,omitempty"`
	FieldMapping  map[string]string `json:"fieldMapping,omitempty"`
}

// ContentModel is the registered schema: the set of entry types a store is
// configured with. It is immutable after construction.
type ContentModel struct {
	byName        map[string]EntryTypeDef
	byContentType map[string]EntryTypeDef
	names         []string
}

type modelDocument struct {
	Version    int            `json:"version"`
	EntryTypes []EntryTypeDef `json:"entryTypes"`
}

const modelSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "entryTypes"],
	"additionalProperties": false,
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"entryTypes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "contentType"],
				"additionalProperties": false,
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"contentType": {"type": "string", "minLength": 1},
					"properties": {"type": "array", "items": {"type": "string", "minLength": 1}},
					"relationships": {"type": "array", "items": {"type": "string", "minLength": 1}},
					"fieldMapping": {
						"type": "object",
						"additionalProperties": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}
}`

var (
	modelSchemaOnce sync.Once
	modelSchema     *jsonschema.Schema
	modelSchemaErr  error
)

func compiledModelSchema() (*jsonschema.Schema, error) {
	modelSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(modelSchemaJSON))
		if err != nil {
			modelSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("spacesync://model.schema.json", doc); err != nil {
			modelSchemaErr = err
			return
		}
		modelSchema, modelSchemaErr = compiler.Compile("spacesync://model.schema.json")
	})
	return modelSchema, modelSchemaErr
}

// NewContentModel builds a model from entry type definitions, rejecting
// duplicate names, duplicate content types, and property/relationship
// overlap.
func NewContentModel(defs ...EntryTypeDef) (*ContentModel, error) {
	model := &ContentModel{
		byName:        map[string]EntryTypeDef{},
		byContentType: map[string]EntryTypeDef{},
	}
	for _, def := range defs {
		def.Name = strings.TrimSpace(def.Name)
		def.ContentType = strings.TrimSpace(def.ContentType)
		if def.Name == "" {
			return nil, fmt.Errorf("%w: entry type name is required", ErrInvalidModel)
		}
		if def.ContentType == "" {
			return nil, fmt.Errorf("%w: entry type %q needs a content type", ErrInvalidModel, def.Name)
		}
		if _, dup := model.byName[def.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate entry type name %q", ErrInvalidModel, def.Name)
		}
		if _, dup := model.byContentType[def.ContentType]; dup {
			return nil, fmt.Errorf("%w: duplicate content type %q", ErrInvalidModel, def.ContentType)
		}
		propSet := map[string]struct{}{}
		for _, prop := range def.Properties {
			propSet[prop] = struct{}{}
		}
		for _, rel := range def.Relationships {
			if _, overlap := propSet[rel]; overlap {
				return nil, fmt.Errorf("%w: %q is declared as both property and relationship on %q", ErrInvalidModel, rel, def.Name)
			}
		}
		def.Properties = append([]string(nil), def.Properties...)
		def.Relationships = append([]string(nil), def.Relationships...)
		if def.FieldMapping != nil {
			mapping := make(map[string]string, len(def.FieldMapping))
			for field, prop := range def.FieldMapping {
				mapping[field] = prop
			}
			def.FieldMapping = mapping
		}
		model.byName[def.Name] = def
		model.byContentType[def.ContentType] = def
		model.names = append(model.names, def.Name)
	}
	sort.Strings(model.names)
	return model, nil
}

// LoadModel validates a model document against the embedded JSON Schema and
// builds the ContentModel.
func LoadModel(r io.Reader) (*ContentModel, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	schema, err := compiledModelSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	var parsed modelDocument
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	return NewContentModel(parsed.EntryTypes...)
}

// LoadModelFile reads and validates a model file from disk.
func LoadModelFile(path string) (*ContentModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadModel(f)
}

func (m *ContentModel) TypeByName(name string) (EntryTypeDef, bool) {
	def, ok := m.byName[name]
	return def, ok
}

func (m *ContentModel) TypeForContentType(contentType string) (EntryTypeDef, bool) {
	def, ok := m.byContentType[contentType]
	return def, ok
}

// TypeNames returns the configured entry type names in sorted order.
func (m *ContentModel) TypeNames() []string {
	return append([]string(nil), m.names...)
}

func (m *ContentModel) PropertiesOf(typeName string) []string {
	def, ok := m.byName[typeName]
	if !ok {
		return nil
	}
	return append([]string(nil), def.Properties...)
}

func (m *ContentModel) RelationshipsOf(typeName string) []string {
	def, ok := m.byName[typeName]
	if !ok {
		return nil
	}
	return append([]string(nil), def.Relationships...)
}
