package model

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

const (
	matchedSchemaName = "matched_objects.json"
	diffSchemaName    = "pairwise_diff.json"
)

var (
	schemaOnce    sync.Once
	matchedSchema *jsonschema.Schema
	diffSchema    *jsonschema.Schema
	schemaErr     error
)

// ObjectKind is one of the object partitions of the engine's artifacts
type ObjectKind string

const (
	KindParagraphs ObjectKind = "paragraphs"
	KindImages     ObjectKind = "images"
	KindTables     ObjectKind = "tables"
)

// ObjectKinds is the fixed processing order of object kinds
var ObjectKinds = []ObjectKind{KindParagraphs, KindImages, KindTables}

// BoundingBox is a rectangle as x0, y0, x1, y1 in page coordinates
type BoundingBox []float64

// MatchedObject is an element that exists in only one of the two documents
type MatchedObject struct {
	UID        string      `json:"uid"`
	Page       *int        `json:"page,omitempty"`
	BBox       BoundingBox `json:"bbox,omitempty"`
	Text       string      `json:"text,omitempty"`
	Phash      string      `json:"phash,omitempty"`
	ContentStr string      `json:"content_str,omitempty"`
}

// MatchedPair is an element present on both sides
type MatchedPair struct {
	ItemA      MatchedObject `json:"item_a"`
	ItemB      MatchedObject `json:"item_b"`
	Confidence float64       `json:"confidence"`
}

// MatchedKind holds the matching result for one object kind.
//
// Added is side 2 (present only in the modified document) and Deleted is
// side 1 (present only in the original document). In the positional form
// [pairs, side2, side1] index 1 is therefore the added list.
type MatchedKind struct {
	Pairs   []MatchedPair   `json:"matched_pairs"`
	Added   []MatchedObject `json:"new_in_b"`
	Deleted []MatchedObject `json:"deleted_from_a"`
}

// UnmarshalJSON accepts both the keyed and the positional encoding.
func (k *MatchedKind) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*k = MatchedKind{}
		return nil
	}

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		if len(parts) != 3 {
			return fmt.Errorf("matched kind tuple has %d elements, want 3", len(parts))
		}
		var out MatchedKind
		if err := json.Unmarshal(parts[0], &out.Pairs); err != nil {
			return fmt.Errorf("matched pairs: %w", err)
		}
		if err := json.Unmarshal(parts[1], &out.Added); err != nil {
			return fmt.Errorf("side 2 objects: %w", err)
		}
		if err := json.Unmarshal(parts[2], &out.Deleted); err != nil {
			return fmt.Errorf("side 1 objects: %w", err)
		}
		*k = out
		return nil
	}

	type keyed MatchedKind
	var out keyed
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return err
	}
	*k = MatchedKind(out)
	return nil
}

// MatchedObjectsDocument is the engine's matched_json artifact
type MatchedObjectsDocument struct {
	Paragraphs MatchedKind `json:"paragraphs"`
	Images     MatchedKind `json:"images"`
	Tables     MatchedKind `json:"tables"`
}

// Kind returns the partition for k.
func (d *MatchedObjectsDocument) Kind(k ObjectKind) MatchedKind {
	switch k {
	case KindParagraphs:
		return d.Paragraphs
	case KindImages:
		return d.Images
	case KindTables:
		return d.Tables
	}
	return MatchedKind{}
}

// DiffEntry holds the fields shared by every modified object
type DiffEntry struct {
	UIDA string      `json:"uid_a"`
	UIDB string      `json:"uid_b"`
	Page *int        `json:"page,omitempty"`
	BBox BoundingBox `json:"bbox,omitempty"`
}

// ParagraphDiff is a paragraph whose text changed
type ParagraphDiff struct {
	DiffEntry
	TextA     string  `json:"text_a"`
	TextB     string  `json:"text_b"`
	DiffRatio float64 `json:"diff_ratio"`
}

// ImageDiff is an image whose perceptual hash changed
type ImageDiff struct {
	DiffEntry
	PhashA      string `json:"phash_a"`
	PhashB      string `json:"phash_b"`
	LLMAnalysis string `json:"llm_analysis,omitempty"`
}

// TableDiff is a table whose content changed
type TableDiff struct {
	DiffEntry
	PandasDiff        string `json:"pandas_diff"`
	LLMInterpretation string `json:"llm_interpretation,omitempty"`
}

// PairwiseDiffDocument is the engine's diff_json artifact
type PairwiseDiffDocument struct {
	Paragraphs []ParagraphDiff `json:"paragraphs"`
	Images     []ImageDiff     `json:"images"`
	Tables     []TableDiff     `json:"tables"`
}

// ParseMatchedObjects validates data against the matched-objects schema and decodes it.
func ParseMatchedObjects(data []byte) (*MatchedObjectsDocument, error) {
	if err := validateArtifact(matchedSchemaName, data); err != nil {
		return nil, err
	}
	var doc MatchedObjectsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode matched objects: %w", err)
	}
	return &doc, nil
}

// ParsePairwiseDiff validates data against the pairwise-diff schema and decodes it.
func ParsePairwiseDiff(data []byte) (*PairwiseDiffDocument, error) {
	if err := validateArtifact(diffSchemaName, data); err != nil {
		return nil, err
	}
	var doc PairwiseDiffDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode pairwise diff: %w", err)
	}
	return &doc, nil
}

func validateArtifact(name string, data []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}

	schema := matchedSchema
	if name == diffSchemaName {
		schema = diffSchema
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%s does not match schema: %w", name, err)
	}
	return nil
}

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	for _, name := range []string{matchedSchemaName, diffSchemaName} {
		b, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			schemaErr = fmt.Errorf("read schema %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add schema %s: %w", name, err)
			return
		}
	}

	if matchedSchema, schemaErr = compiler.Compile(matchedSchemaName); schemaErr != nil {
		schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		return
	}
	if diffSchema, schemaErr = compiler.Compile(diffSchemaName); schemaErr != nil {
		schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
	}
}
