package extracthtml

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

//go:embed schemas/*.yaml
var builtinSchemas embed.FS

// LoadSchemaFile reads, parses and validates a schema file. ".json" files
// are decoded as JSON, anything else as YAML.
func LoadSchemaFile(path string) (*Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return ParseSchema(b, format)
}

// ParseSchema decodes a schema in the given format ("json" or "yaml") and
// validates it.
func ParseSchema(b []byte, format string) (*Schema, error) {
	var s Schema
	switch format {
	case "json":
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("parse schema json: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("parse schema yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown schema format %q", format)
	}
	if err := s.Compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

// BuiltinSchema returns one of the embedded schema versions, e.g. "wiki-v2".
func BuiltinSchema(version string) (*Schema, error) {
	b, err := builtinSchemas.ReadFile("schemas/" + version + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown builtin schema %q (have %s)", version, strings.Join(BuiltinVersions(), ", "))
	}
	return ParseSchema(b, "yaml")
}

// BuiltinVersions lists the embedded schema versions.
func BuiltinVersions() []string {
	entries, _ := builtinSchemas.ReadDir("schemas")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(out)
	return out
}

// Compile validates s, fills defaults and compiles anchor patterns. It must
// be called before a hand-built schema is used.
func (s *Schema) Compile() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q has no fields", s.Version)
	}
	if s.LookAhead < 0 {
		return fmt.Errorf("schema %q: look_ahead must be >= 0", s.Version)
	}

	seen := make(map[string]bool, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		if err := f.compile(); err != nil {
			return fmt.Errorf("schema %q field %d (%s): %w", s.Version, i, f.Name, err)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %q: duplicate field %q", s.Version, f.Name)
		}
		seen[f.Name] = true
	}
	s.vocab = NewVocabulary(s.Vocabulary)
	return nil
}

func (f *FieldSpec) compile() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("missing name")
	}
	if len(f.Anchors) == 0 {
		return fmt.Errorf("no anchors")
	}
	for i := range f.Anchors {
		a := &f.Anchors[i]
		switch a.Mode {
		case "":
			a.Mode = AnchorText
		case AnchorText, AnchorHeading:
		default:
			return fmt.Errorf("anchor %q: unknown mode %q", a.Pattern, a.Mode)
		}
		re, err := compileAnchor(a.Pattern)
		if err != nil {
			return err
		}
		a.re = re
	}

	switch f.Kind {
	case KindList:
		if f.Separator == "" {
			f.Separator = " / "
		}
	case KindTable:
		if len(f.Select) == 0 {
			return fmt.Errorf("table field needs at least one select entry")
		}
		for _, sel := range f.Select {
			if err := sel.validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown kind %q", f.Kind)
	}

	for _, r := range f.Normalize {
		if _, ok := ruleBits[r]; !ok {
			return fmt.Errorf("unknown normalize rule %q", r)
		}
	}
	return nil
}

func (sel Selection) validate() error {
	switch sel.Row {
	case RowKey:
		if sel.KeyLabel == "" || sel.Column == "" {
			return fmt.Errorf("row=key needs key_label and column")
		}
	case RowSpan:
		if sel.Column == "" {
			return fmt.Errorf("row=rowspan needs column")
		}
	case RowLabel:
		if sel.Label == "" {
			return fmt.Errorf("row=label needs label")
		}
	default:
		return fmt.Errorf("unknown row strategy %q", sel.Row)
	}
	return nil
}

// compileAnchor compiles an anchor pattern, annotating errors with the
// pattern to keep schema mistakes easy to find.
func compileAnchor(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty anchor pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid anchor pattern %q: %w", pattern, err)
	}
	return re, nil
}
