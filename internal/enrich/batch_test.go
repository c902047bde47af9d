package enrich

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type sequenceCompleter struct {
	byBio map[string]string
	calls []string
}

func (s *sequenceCompleter) Complete(_ context.Context, messages []Message) (string, error) {
	bio := messages[len(messages)-1].Content
	s.calls = append(s.calls, bio)
	for key, response := range s.byBio {
		if len(bio) >= len(key) && bio[len(bio)-len(key):] == key {
			return response, nil
		}
	}
	return "no response configured", nil
}

func TestEnrichBatchOrderAndDelays(t *testing.T) {
	waits := stubSleep(t)

	stub := &sequenceCompleter{byBio: map[string]string{
		"bio-a": `{"skills":["python"],"persona":"Mentor Material","confidence_score":90,"reasoning":"a"}`,
		"bio-b": `not json`,
		"bio-c": `{"skills":[],"persona":"Passive","confidence_score":30,"reasoning":"c"}`,
	}}
	enricher := New(stub, testPromptStore(t), 1, zap.NewNop())

	records := []BatchRecord{
		{MemberName: "Alice", Bio: "bio-a"},
		{MemberName: "Bob", Bio: "bio-b"},
		{MemberName: "Carol", Bio: "bio-c"},
	}

	outcomes := enricher.EnrichBatch(context.Background(), records, 2*time.Second)

	if len(outcomes) != 3 {
		t.Fatalf("expected one outcome per record, got %d", len(outcomes))
	}

	// Input order is preserved.
	for i, record := range records {
		if outcomes[i].MemberName != record.MemberName {
			t.Fatalf("outcome %d out of order: %q", i, outcomes[i].MemberName)
		}
	}

	// A malformed record degrades without halting the batch.
	if outcomes[1].Result.Persona != PersonaUnknown {
		t.Fatalf("expected degraded middle outcome, got %q", outcomes[1].Result.Persona)
	}
	if outcomes[0].Result.Persona != "Mentor Material" || outcomes[2].Result.Persona != "Passive" {
		t.Fatalf("neighbouring outcomes affected: %+v", outcomes)
	}

	// Delay between calls, not after the last.
	if len(*waits) != 2 {
		t.Fatalf("expected 2 delays, got %d (%v)", len(*waits), *waits)
	}
	for _, d := range *waits {
		if d != 2*time.Second {
			t.Fatalf("unexpected delay: %v", d)
		}
	}
}

func TestEnrichBatchZeroDelay(t *testing.T) {
	waits := stubSleep(t)

	stub := &sequenceCompleter{byBio: map[string]string{}}
	enricher := New(stub, testPromptStore(t), 1, zap.NewNop())

	outcomes := enricher.EnrichBatch(context.Background(), []BatchRecord{
		{MemberName: "A", Bio: "x"},
		{MemberName: "B", Bio: "y"},
	}, 0)

	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if len(*waits) != 0 {
		t.Fatalf("expected no delays with zero duration, got %v", *waits)
	}
}

func TestEnrichBatchEmpty(t *testing.T) {
	stubSleep(t)

	enricher := New(&sequenceCompleter{}, testPromptStore(t), 1, zap.NewNop())
	outcomes := enricher.EnrichBatch(context.Background(), nil, time.Second)
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %d", len(outcomes))
	}
}
