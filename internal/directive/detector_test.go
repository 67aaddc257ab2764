package directive

import (
	"testing"
)

func TestScan_FencedSingleTarget(t *testing.T) {
	buf := "Here it is:\n```json\n{\"tool\":\"draw_molecule\",\"name\":\"water\",\"smiles\":\"O\"}\n```\nDone"
	rec, span, ok := Scan(buf)
	if !ok {
		t.Fatalf("expected a directive")
	}
	if rec.Kind != Kind || rec.Multi() || rec.Target == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Target.Name != "water" || rec.Target.Identifier != "O" {
		t.Fatalf("unexpected target %+v", rec.Target)
	}
	rest := buf[:span.Start] + buf[span.End:]
	if rest != "Here it is:\n\nDone" {
		t.Fatalf("unexpected remainder after excision %q", rest)
	}
	if _, _, again := Scan(rest); again {
		t.Fatalf("excised buffer must not yield the directive again")
	}
}

func TestScan_FencedWithoutLanguageTag(t *testing.T) {
	buf := "```\n{\"tool\": \"draw_molecule\", \"name\": \"benzene\", \"smiles\": \"c1ccccc1\"}\n```"
	rec, span, ok := Scan(buf)
	if !ok || rec.Target.Identifier != "c1ccccc1" {
		t.Fatalf("expected benzene, got %+v ok=%v", rec, ok)
	}
	if span.Start != 0 || span.End != len(buf) {
		t.Fatalf("span should cover the whole block, got %+v", span)
	}
}

func TestScan_BareObject(t *testing.T) {
	buf := `Drawing now {"tool": "draw_molecule", "name": "ethanol", "smiles": "CCO"} okay`
	rec, span, ok := Scan(buf)
	if !ok {
		t.Fatalf("expected a directive")
	}
	if rec.Target.Name != "ethanol" || rec.Target.Identifier != "CCO" {
		t.Fatalf("unexpected target %+v", rec.Target)
	}
	if got := buf[span.Start:span.End]; got[0] != '{' || got[len(got)-1] != '}' {
		t.Fatalf("span must cover the object, got %q", got)
	}
}

func TestScan_MultiTarget(t *testing.T) {
	buf := "```json\n{\"tool\":\"draw_molecule\",\"items\":[{\"name\":\"methane\",\"smiles\":\"C\"},{\"name\":\"ethane\",\"smiles\":\"CC\"},7]}\n```"
	rec, _, ok := Scan(buf)
	if !ok || !rec.Multi() {
		t.Fatalf("expected multi-target record, got %+v", rec)
	}
	got := rec.Targets()
	if len(got) != 2 || got[0].Name != "methane" || got[1].Identifier != "CC" {
		t.Fatalf("unexpected targets %+v", got)
	}
}

func TestScan_BareMultiTargetNestedBraces(t *testing.T) {
	buf := `{"tool":"draw_molecule","items":[{"name":"water","smiles":"O"}]} after`
	rec, span, ok := Scan(buf)
	if !ok || len(rec.Items) != 1 {
		t.Fatalf("expected one item, got %+v", rec)
	}
	if buf[span.End:] != " after" {
		t.Fatalf("span must end at the outer brace, rest=%q", buf[span.End:])
	}
}

func TestScan_NewlinesInsidePayload(t *testing.T) {
	buf := "```json\n{\n  \"tool\": \"draw_molecule\",\n  \"name\": \"acetic\nacid\",\n  \"smiles\": \"CC(=O)O\"\n}\n```"
	rec, _, ok := Scan(buf)
	if !ok || rec.Target.Name != "acetic acid" {
		t.Fatalf("expected collapsed newline in name, got %+v ok=%v", rec, ok)
	}
}

func TestScan_None(t *testing.T) {
	cases := map[string]string{
		"plain":          "Water is H2O.",
		"malformed":      "```json\n{\"tool\":\"draw_molecule\",\"name\":\"water\",}\n```",
		"other_tool":     "```json\n{\"tool\":\"search\",\"q\":\"x\"}\n```",
		"incomplete":     `{"tool":"draw_molecule","name":"water"`,
		"empty_target":   `{"tool":"draw_molecule"}`,
		"unfenced_other": `{"a": 1}`,
	}
	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			if rec, _, ok := Scan(buf); ok {
				t.Fatalf("expected no directive, got %+v", rec)
			}
		})
	}
}

func TestScan_SkipsNonDirectiveFenceThenFindsBare(t *testing.T) {
	buf := "```json\n{\"a\":1}\n``` and {\"tool\":\"draw_molecule\",\"name\":\"ammonia\",\"smiles\":\"N\"}"
	rec, span, ok := Scan(buf)
	if !ok || rec.Target.Identifier != "N" {
		t.Fatalf("expected ammonia, got %+v", rec)
	}
	if span.Start <= 10 {
		t.Fatalf("span must point at the bare object, got %+v", span)
	}
}

func TestScan_IdentifierAlias(t *testing.T) {
	rec, _, ok := Scan(`{"tool":"draw_molecule","name":"methanol","identifier":"CO"}`)
	if !ok || rec.Target.Identifier != "CO" {
		t.Fatalf("expected identifier alias to be honored, got %+v", rec)
	}
}
