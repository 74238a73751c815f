package extract

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/oracle"
)

type scriptedOracle struct {
	mu      sync.Mutex
	results []extractStep
	calls   int
	lastReq oracle.ExtractRequest
}

type extractStep struct {
	res *oracle.ExtractResult
	err error
}

func (s *scriptedOracle) Name() string   { return "openrouter" }
func (s *scriptedOracle) Family() string { return "deepseek" }

func (s *scriptedOracle) Extract(_ context.Context, req oracle.ExtractRequest) (*oracle.ExtractResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	step := s.results[s.calls]
	if s.calls < len(s.results)-1 {
		s.calls++
	}
	return step.res, step.err
}

func (s *scriptedOracle) Probe(context.Context, oracle.ProbeRequest) (*oracle.ProbeResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *scriptedOracle) Summarize(context.Context, oracle.SummarizeRequest) (*oracle.SummarizeResult, error) {
	return nil, fmt.Errorf("not implemented")
}

type memorySink struct {
	mu    sync.Mutex
	beads []model.Bead
}

func (m *memorySink) Append(b model.Bead) (model.Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = fmt.Sprintf("B-%03d", len(m.beads))
	m.beads = append(m.beads, b)
	return b, nil
}

func (m *memorySink) byType(t model.BeadType) []model.Bead {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Bead
	for _, b := range m.beads {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out
}

type staticNegatives struct{ hints []string }

func (s staticNegatives) FormatContext() []string { return s.hints }

func candidate(cond, act string, drawer int) oracle.Candidate {
	return oracle.Candidate{
		Condition:     cond,
		Action:        act,
		SourceRef:     "ep3 12:40",
		VerbatimQuote: "verbatim words from the source",
		Drawer:        drawer,
	}
}

func testChunk(id string) model.Chunk {
	return model.Chunk{SourceID: "src-1", ChunkID: id, SourceRef: "ep3", Text: "transcript text"}
}

func newTestStage(o oracle.Provider, sink Sink, neg NegativeSource) *Stage {
	st := NewStage(o, sink, nil, neg, nil)
	st.sleepFunc = func(time.Duration) {}
	return st
}

func TestStage_RunAdmitsValidCandidates(t *testing.T) {
	o := &scriptedOracle{results: []extractStep{{res: &oracle.ExtractResult{
		Candidates: []oracle.Candidate{
			candidate("HTF bias is bullish", "look for discount entries", 1),
			candidate("liquidity is swept", "wait for displacement", 4),
		},
		Model: "deepseek/deepseek-chat",
		Usage: oracle.Usage{PromptTokens: 500, CompletionTokens: 80, CostUSD: 0.0001},
	}}}}
	sink := &memorySink{}
	st := newTestStage(o, sink, nil)

	sigs, err := st.Run(context.Background(), testChunk("chunk_000"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signatures, got %d", len(sigs))
	}
	if sigs[0].ID != "S-001" || sigs[1].ID != "S-002" {
		t.Errorf("expected sequential IDs, got %s, %s", sigs[0].ID, sigs[1].ID)
	}
	if sigs[0].Status != model.StatusExtracted {
		t.Errorf("status = %s, want EXTRACTED", sigs[0].Status)
	}

	if got := len(sink.byType(model.BeadExtraction)); got != 2 {
		t.Errorf("expected 2 EXTRACTION beads, got %d", got)
	}
	costs := sink.byType(model.BeadCost)
	if len(costs) != 1 {
		t.Fatalf("expected 1 COST bead, got %d", len(costs))
	}
	if costs[0].Payload["cost_usd"].(float64) <= 0 {
		t.Error("COST bead should carry the call spend")
	}
}

func TestStage_IDsMonotonicAcrossChunks(t *testing.T) {
	o := &scriptedOracle{results: []extractStep{{res: &oracle.ExtractResult{
		Candidates: []oracle.Candidate{candidate("c1", "a1", 2)},
	}}}}
	st := newTestStage(o, &memorySink{}, nil)

	first, err := st.Run(context.Background(), testChunk("chunk_000"))
	if err != nil {
		t.Fatal(err)
	}
	o.mu.Lock()
	o.results = []extractStep{{res: &oracle.ExtractResult{
		Candidates: []oracle.Candidate{candidate("c2", "a2", 2)},
	}}}
	o.calls = 0
	o.mu.Unlock()
	second, err := st.Run(context.Background(), testChunk("chunk_001"))
	if err != nil {
		t.Fatal(err)
	}

	if first[0].ID != "S-001" || second[0].ID != "S-002" {
		t.Errorf("IDs not monotonic across chunks: %s then %s", first[0].ID, second[0].ID)
	}
}

func TestStage_DropsInvalidCandidates(t *testing.T) {
	noQuote := candidate("cond", "act", 3)
	noQuote.VerbatimQuote = ""
	noRef := candidate("cond2", "act2", 3)
	noRef.SourceRef = ""
	badDrawer := candidate("cond3", "act3", 9)

	o := &scriptedOracle{results: []extractStep{{res: &oracle.ExtractResult{
		Candidates: []oracle.Candidate{noQuote, noRef, badDrawer, candidate("good", "one", 5)},
	}}}}
	sink := &memorySink{}
	st := newTestStage(o, sink, nil)

	sigs, err := st.Run(context.Background(), testChunk("chunk_000"))
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected 1 admitted signature, got %d", len(sigs))
	}
	if sigs[0].Condition != "good" {
		t.Errorf("wrong candidate admitted: %+v", sigs[0])
	}
	if sigs[0].SourceID != "src-1" {
		t.Errorf("SourceID = %q, want src-1", sigs[0].SourceID)
	}

	// Each rejected candidate leaves a trace in the chronicle.
	dropped := sink.byType(model.BeadMalformed)
	if len(dropped) != 3 {
		t.Fatalf("expected 3 MALFORMED_EXTRACTION beads, got %d", len(dropped))
	}
	for _, b := range dropped {
		if b.Payload["source_id"] != "src-1" {
			t.Errorf("dropped-candidate bead missing source_id: %+v", b.Payload)
		}
		if b.Payload["reason"] == "" || b.Payload["reason"] == nil {
			t.Errorf("dropped-candidate bead missing reason: %+v", b.Payload)
		}
	}
}

func TestStage_DedupsByLogicWithinBatch(t *testing.T) {
	dup := candidate("Price Sweeps Liquidity!", "wait for displacement", 4)
	o := &scriptedOracle{results: []extractStep{{res: &oracle.ExtractResult{
		Candidates: []oracle.Candidate{
			candidate("price sweeps liquidity", "wait for displacement", 4),
			dup,
		},
	}}}}
	st := newTestStage(o, &memorySink{}, nil)

	sigs, err := st.Run(context.Background(), testChunk("chunk_000"))
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 {
		t.Errorf("expected duplicate logic to collapse to 1 signature, got %d", len(sigs))
	}
}

func TestStage_MalformedOutputDropsChunk(t *testing.T) {
	o := &scriptedOracle{results: []extractStep{
		{err: fmt.Errorf("extraction call: %w: invalid character 'T'", oracle.ErrMalformedOutput)},
	}}
	sink := &memorySink{}
	st := newTestStage(o, sink, nil)

	sigs, err := st.Run(context.Background(), testChunk("chunk_000"))
	if err != nil {
		t.Fatalf("malformed output must not surface as an error: %v", err)
	}
	if sigs != nil {
		t.Errorf("expected no signatures, got %v", sigs)
	}
	mal := sink.byType(model.BeadMalformed)
	if len(mal) != 1 {
		t.Fatalf("expected 1 MALFORMED_EXTRACTION bead, got %d", len(mal))
	}
	if mal[0].Source != "chunk_000" {
		t.Errorf("bead source = %q", mal[0].Source)
	}
}

func TestStage_RetriesOnRateLimit(t *testing.T) {
	o := &scriptedOracle{results: []extractStep{
		{err: fmt.Errorf("deepseek/deepseek-chat: %w", oracle.ErrRateLimited)},
		{res: &oracle.ExtractResult{Candidates: []oracle.Candidate{candidate("c", "a", 1)}}},
	}}
	var slept []time.Duration
	st := NewStage(o, &memorySink{}, nil, nil, nil)
	st.sleepFunc = func(d time.Duration) { slept = append(slept, d) }

	sigs, err := st.Run(context.Background(), testChunk("chunk_000"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected recovery after retry, got %d signatures", len(sigs))
	}
	if len(slept) != 1 {
		t.Errorf("expected 1 backoff sleep, got %d", len(slept))
	}
}

func TestStage_NegativeContextReachesOracle(t *testing.T) {
	o := &scriptedOracle{results: []extractStep{{res: &oracle.ExtractResult{}}}}
	st := newTestStage(o, &memorySink{}, staticNegatives{hints: []string{"- N-001: no provenance"}})

	if _, err := st.Run(context.Background(), testChunk("chunk_000")); err != nil {
		t.Fatal(err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.lastReq.NegativeContext) != 1 || o.lastReq.NegativeContext[0] != "- N-001: no provenance" {
		t.Errorf("negative context not forwarded: %+v", o.lastReq.NegativeContext)
	}
}
