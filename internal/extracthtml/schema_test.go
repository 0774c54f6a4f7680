package extracthtml

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestBuiltinSchemas(t *testing.T) {
	t.Parallel()

	versions := BuiltinVersions()
	if !reflect.DeepEqual(versions, []string{"wiki-v1", "wiki-v2"}) {
		t.Fatalf("BuiltinVersions()=%v", versions)
	}
	wantFields := map[string][]string{
		"wiki-v1": {"center_skill_effect", "center_skill_condition", "skill_effect", "skill_ap", "center_characteristic"},
		"wiki-v2": {"cs_timing", "cs_text", "skill_ap", "skill_text", "center_characteristic"},
	}
	for _, v := range versions {
		s, err := BuiltinSchema(v)
		if err != nil {
			t.Fatalf("BuiltinSchema(%q): %v", v, err)
		}
		if s.Version != v {
			t.Fatalf("schema %q reports version %q", v, s.Version)
		}
		if got := s.FieldNames(); !reflect.DeepEqual(got, wantFields[v]) {
			t.Fatalf("%s fields=%v", v, got)
		}
	}

	_, err := BuiltinSchema("wiki-v9")
	if err == nil || !strings.Contains(err.Error(), "wiki-v1, wiki-v2") {
		t.Fatalf("unknown version error should list known ones: %v", err)
	}
}

func TestLoadSchemaFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "s.yml")
	if err := os.WriteFile(yamlPath, []byte(`
version: custom
vocabulary: {開始: start}
fields:
  - name: timing
    kind: table
    anchors: [{pattern: 表}]
    select: [{row: rowspan, column: 条件}]
    normalize: [collapse, vocab]
  - name: items
    kind: list
    anchors: [{pattern: 一覧, mode: heading}]
`), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSchemaFile(yamlPath)
	if err != nil {
		t.Fatalf("LoadSchemaFile: %v", err)
	}
	if s.Version != "custom" || len(s.Fields) != 2 {
		t.Fatalf("unexpected schema: %+v", s)
	}
	if s.Fields[0].Anchors[0].Mode != AnchorText {
		t.Fatalf("anchor mode should default to text, got %q", s.Fields[0].Anchors[0].Mode)
	}
	if s.Fields[1].Separator != " / " {
		t.Fatalf("list separator should default, got %q", s.Fields[1].Separator)
	}
	if s.vocab.Lookup("開始") != "start" {
		t.Fatalf("vocabulary not compiled")
	}

	jsonPath := filepath.Join(dir, "s.JSON")
	if err := os.WriteFile(jsonPath, []byte(`{"version":"j","fields":[{"name":"f","kind":"list","anchors":[{"pattern":"x"}]}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if s, err := LoadSchemaFile(jsonPath); err != nil || s.Version != "j" {
		t.Fatalf("LoadSchemaFile(json) = %v, %v", s, err)
	}

	if _, err := LoadSchemaFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestParseSchema_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "no_fields", yaml: `version: x`, wantErr: "no fields"},
		{name: "negative_look_ahead", yaml: `{version: x, look_ahead: -1, fields: [{name: f, kind: list, anchors: [{pattern: a}]}]}`, wantErr: "look_ahead"},
		{name: "missing_name", yaml: `{version: x, fields: [{kind: list, anchors: [{pattern: a}]}]}`, wantErr: "missing name"},
		{name: "no_anchors", yaml: `{version: x, fields: [{name: f, kind: list}]}`, wantErr: "no anchors"},
		{name: "empty_pattern", yaml: `{version: x, fields: [{name: f, kind: list, anchors: [{pattern: " "}]}]}`, wantErr: "empty anchor"},
		{name: "bad_regex", yaml: `{version: x, fields: [{name: f, kind: list, anchors: [{pattern: "("}]}]}`, wantErr: "invalid anchor"},
		{name: "bad_mode", yaml: `{version: x, fields: [{name: f, kind: list, anchors: [{pattern: a, mode: xpath}]}]}`, wantErr: "unknown mode"},
		{name: "bad_kind", yaml: `{version: x, fields: [{name: f, kind: grid, anchors: [{pattern: a}]}]}`, wantErr: "unknown kind"},
		{name: "table_without_select", yaml: `{version: x, fields: [{name: f, kind: table, anchors: [{pattern: a}]}]}`, wantErr: "select"},
		{name: "key_without_column", yaml: `{version: x, fields: [{name: f, kind: table, anchors: [{pattern: a}], select: [{row: key, key_label: Lv}]}]}`, wantErr: "row=key"},
		{name: "rowspan_without_column", yaml: `{version: x, fields: [{name: f, kind: table, anchors: [{pattern: a}], select: [{row: rowspan}]}]}`, wantErr: "row=rowspan"},
		{name: "label_without_label", yaml: `{version: x, fields: [{name: f, kind: table, anchors: [{pattern: a}], select: [{row: label}]}]}`, wantErr: "row=label"},
		{name: "bad_strategy", yaml: `{version: x, fields: [{name: f, kind: table, anchors: [{pattern: a}], select: [{row: diagonal}]}]}`, wantErr: "unknown row strategy"},
		{name: "bad_rule", yaml: `{version: x, fields: [{name: f, kind: list, anchors: [{pattern: a}], normalize: [shout]}]}`, wantErr: "unknown normalize rule"},
		{name: "duplicate_field", yaml: `{version: x, fields: [{name: f, kind: list, anchors: [{pattern: a}]}, {name: f, kind: list, anchors: [{pattern: b}]}]}`, wantErr: "duplicate field"},
		{name: "bad_yaml", yaml: `fields: [`, wantErr: "parse schema yaml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSchema([]byte(tc.yaml), "yaml")
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want containing %q", err, tc.wantErr)
			}
		})
	}

	if _, err := ParseSchema([]byte(`{}`), "toml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := ParseSchema([]byte(`{`), "json"); err == nil {
		t.Fatalf("expected error for bad json")
	}
}
