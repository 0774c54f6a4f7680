package extracthtml

import "regexp"

// AnchorMode selects which nodes an Anchor pattern is matched against.
type AnchorMode string

const (
	// AnchorText matches any text node whose data matches the pattern.
	AnchorText AnchorMode = "text"
	// AnchorHeading matches h1-h6 elements whose collapsed text matches.
	AnchorHeading AnchorMode = "heading"
)

// StructureKind is the structural element a field is read from.
type StructureKind string

const (
	KindTable StructureKind = "table"
	KindList  StructureKind = "list" // ul or ol
)

// RowStrategy selects how a value is read from an indexed table.
type RowStrategy string

const (
	// RowKey selects the data row whose KeyLabel column equals KeyValue.
	RowKey RowStrategy = "key"
	// RowSpan reads the first data row unconditionally (row-span merged columns).
	RowSpan RowStrategy = "rowspan"
	// RowLabel scans every cell for Label and takes the next cell in the row.
	RowLabel RowStrategy = "label"
)

// Rule is one step of a field's normalizer chain.
type Rule string

const (
	RuleNFKC        Rule = "nfkc"
	RuleCollapse    Rule = "collapse"
	RulePlaceholder Rule = "placeholder"
	RuleArrow       Rule = "arrow"
	RuleVocab       Rule = "vocab"
)

// Anchor is a textual marker used to locate a nearby table or list.
type Anchor struct {
	Pattern string     `json:"pattern" yaml:"pattern"` // regular expression; plain keywords are fine
	Mode    AnchorMode `json:"mode" yaml:"mode"`       // "text" (default) or "heading"

	re *regexp.Regexp
}

// Selection is one row-selection attempt against an indexed table.
type Selection struct {
	Row      RowStrategy `json:"row" yaml:"row"`
	Column   string      `json:"column,omitempty" yaml:"column,omitempty"`       // value column label (key, rowspan)
	KeyLabel string      `json:"key_label,omitempty" yaml:"key_label,omitempty"` // key column label (key)
	KeyValue string      `json:"key_value,omitempty" yaml:"key_value,omitempty"` // expected key cell text (key)
	Label    string      `json:"label,omitempty" yaml:"label,omitempty"`         // labeled cell text (label)
}

// FieldSpec describes where one output field usually lives.
//
// Anchors are tried in order; the first one that yields a structure wins.
// Select entries are tried in order; the next one runs only when the previous
// produced no value. Select is ignored for list fields.
type FieldSpec struct {
	Name      string        `json:"name" yaml:"name"`
	Anchors   []Anchor      `json:"anchors" yaml:"anchors"`
	Kind      StructureKind `json:"kind" yaml:"kind"`
	Select    []Selection   `json:"select,omitempty" yaml:"select,omitempty"`
	Separator string        `json:"separator,omitempty" yaml:"separator,omitempty"` // list join separator
	Normalize []Rule        `json:"normalize,omitempty" yaml:"normalize,omitempty"`
}

// Schema is a versioned, declarative list of fields.
type Schema struct {
	Version    string            `json:"version" yaml:"version"`
	LookAhead  int               `json:"look_ahead,omitempty" yaml:"look_ahead,omitempty"`
	Vocabulary map[string]string `json:"vocabulary,omitempty" yaml:"vocabulary,omitempty"`
	Fields     []FieldSpec       `json:"fields" yaml:"fields"`

	vocab Vocabulary
}

// FieldNames returns the declared field names in schema order.
func (s *Schema) FieldNames() []string {
	out := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		out = append(out, f.Name)
	}
	return out
}
