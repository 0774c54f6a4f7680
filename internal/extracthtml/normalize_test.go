package extracthtml

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(NewVocabulary(map[string]string{
		"ライブ開始時": "live_start",
		"5":      "five",
	}))
	all := []Rule{RuleNFKC, RuleCollapse, RulePlaceholder, RuleArrow, RuleVocab}

	tests := []struct {
		name  string
		raw   string
		rules []Rule
		want  string
	}{
		{name: "no_rules", raw: "  ＡＢ  ", want: "  ＡＢ  "},
		{name: "nfkc", raw: "ＡＢＣ１２３", rules: []Rule{RuleNFKC}, want: "ABC123"},
		{name: "collapse", raw: " a \n\t b　c  ", rules: []Rule{RuleCollapse}, want: "a b c"},
		{name: "placeholder", raw: "○○○○○○", rules: []Rule{RulePlaceholder}, want: ""},
		{name: "placeholder_padded", raw: " ○○○○○○ ", rules: []Rule{RulePlaceholder}, want: ""},
		{name: "placeholder_inside_text", raw: "効果○○○○○○", rules: []Rule{RulePlaceholder}, want: "効果○○○○○○"},
		{name: "arrow", raw: "3→5", rules: []Rule{RuleArrow}, want: "5"},
		{name: "arrow_chain", raw: "1 → 2 → 3", rules: []Rule{RuleArrow}, want: "3"},
		{name: "arrow_absent", raw: "7", rules: []Rule{RuleArrow}, want: "7"},
		{name: "vocab_hit", raw: "ライブ開始時", rules: []Rule{RuleVocab}, want: "live_start"},
		{name: "vocab_miss", raw: "フィーバー開始時", rules: []Rule{RuleVocab}, want: "フィーバー開始時"},
		{name: "arrow_before_vocab", raw: "3→5", rules: []Rule{RuleVocab, RuleArrow}, want: "five"},
		{name: "all", raw: " ライブ開始時\n", rules: all, want: "live_start"},
		{name: "unknown_rule_ignored", raw: " x ", rules: []Rule{"shout"}, want: " x "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := n.Normalize(tc.raw, tc.rules); got != tc.want {
				t.Fatalf("Normalize(%q, %v) = %q, want %q", tc.raw, tc.rules, got, tc.want)
			}
		})
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(Vocabulary{})
	rules := []Rule{RuleNFKC, RuleCollapse, RuleArrow}
	first := n.Normalize("ＡＰ ２→４", rules)
	for i := 0; i < 10; i++ {
		if got := n.Normalize("ＡＰ ２→４", rules); got != first {
			t.Fatalf("run %d: %q != %q", i, got, first)
		}
	}
	if first != "4" {
		t.Fatalf("got %q, want 4", first)
	}
}

func TestVocabulary_CopiesInput(t *testing.T) {
	t.Parallel()

	src := map[string]string{"a": "A"}
	v := NewVocabulary(src)
	src["a"] = "changed"
	src["b"] = "B"

	if v.Lookup("a") != "A" || v.Lookup("b") != "b" || v.Len() != 1 {
		t.Fatalf("vocabulary followed caller's map: a=%q b=%q len=%d", v.Lookup("a"), v.Lookup("b"), v.Len())
	}

	var zero Vocabulary
	if zero.Lookup("x") != "x" || zero.Len() != 0 {
		t.Fatalf("zero vocabulary should map nothing")
	}
}

func TestCollapseSpace(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":              "",
		"   ":           "",
		"a":             "a",
		"  a  b  ":      "a b",
		"a\r\nb":        "a b",
		"a\u00a0\u00a0b": "a b",
		"効果\u3000上昇":   "効果 上昇",
		"　全角　": "全角",
	}
	for in, want := range tests {
		if got := CollapseSpace(in); got != want {
			t.Fatalf("CollapseSpace(%q) = %q, want %q", in, got, want)
		}
	}
}
