package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/chadiek/chemtutor/internal/agent"
	"github.com/chadiek/chemtutor/internal/directive"
	"github.com/chadiek/chemtutor/internal/llm"
	"github.com/chadiek/chemtutor/internal/memory"
	"github.com/chadiek/chemtutor/internal/stream"
)

type replayGen struct{ fragments []string }

func (g replayGen) Stream(context.Context, llm.Request) (llm.Stream, error) {
	return &llm.SliceStream{Fragments: g.fragments}, nil
}

func TestChatLoop(t *testing.T) {
	gen := replayGen{fragments: []string{"Methane is CH4."}}
	reg := memory.NewRegistry(nil, memory.DefaultBudget)
	defer reg.Close()
	svc := agent.NewService(reg, nil, gen, stream.New(gen), agent.StaticPrompts{}, agent.Options{})

	var out bytes.Buffer
	in := strings.NewReader("what is methane\n\n/clear\nagain\n/quit\nignored\n")
	if err := chatLoop(context.Background(), svc, "t", in, &out); err != nil {
		t.Fatalf("chat loop: %v", err)
	}
	got := out.String()
	if strings.Count(got, "Methane is CH4.") != 2 {
		t.Fatalf("expected two answers, got %q", got)
	}
	if !strings.Contains(got, "(history cleared)") {
		t.Fatalf("clear not acknowledged: %q", got)
	}
	if strings.Contains(got, "ignored") {
		t.Fatalf("input after /quit was processed")
	}
	if h := svc.History("t"); len(h) != 2 {
		t.Fatalf("expected one exchange after clear, got %d messages", len(h))
	}
}

func TestPrintEvent(t *testing.T) {
	var out bytes.Buffer
	rec := directive.Record{Kind: directive.Kind, Target: &directive.Target{Name: "ethanol", Identifier: "CCO"}}
	_ = printEvent(&out, stream.Event{Type: stream.TypeDirective, Directive: &rec})
	_ = printEvent(&out, stream.Event{Type: stream.TypeError, Message: "down"})
	_ = printEvent(&out, stream.Event{Type: stream.TypeAudio})
	if out.String() != "\n[structure: ethanol CCO]\n\n[Error: down]\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
