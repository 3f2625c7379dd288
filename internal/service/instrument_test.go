package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/port/tool"
)

// mockTool is a scriptable tool.Tool for instrument tests.
type mockTool struct {
	name   string
	caps   []tool.Capability
	invoke func(req tool.Request) (*tool.Response, error)

	mu    sync.Mutex
	calls []tool.Request
}

func (m *mockTool) Name() string                   { return m.name }
func (m *mockTool) Capabilities() []tool.Capability { return m.caps }
func (m *mockTool) Version() string                { return "test" }
func (m *mockTool) HealthCheck(context.Context) error { return nil }

func (m *mockTool) Invoke(_ context.Context, req tool.Request) (*tool.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.invoke != nil {
		return m.invoke(req)
	}
	return &tool.Response{Content: "mock answer"}, nil
}

func (m *mockTool) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testRegistry(invokeReasoning, invokeSearch func(tool.Request) (*tool.Response, error)) (*tool.Registry, *mockTool, *mockTool) {
	reasoning := &mockTool{
		name:   "llm",
		caps:   []tool.Capability{tool.CapReasoning, tool.CapVision, tool.CapSynthesis},
		invoke: invokeReasoning,
	}
	search := &mockTool{
		name:   "search",
		caps:   []tool.Capability{tool.CapWebSearch},
		invoke: invokeSearch,
	}
	reg := tool.NewRegistry()
	reg.Register(reasoning)
	reg.Register(search)
	return reg, reasoning, search
}

func countingContext(counter *int) *task.Context {
	return &task.Context{
		TaskID: "t1",
		Checkpoint: func(_ context.Context, _ int, _ string, _, _ map[string]any, _ int64) error {
			*counter++
			return nil
		},
	}
}

func TestNoteCompleteOnDirectAnswer(t *testing.T) {
	reg, _, _ := testRegistry(nil, nil)
	note, err := NewNoteInstrument(reg)
	if err != nil {
		t.Fatalf("NewNoteInstrument: %v", err)
	}

	res, err := note.Execute(context.Background(), "what is Go?", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != loop.OutcomeComplete {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if res.Summary != "mock answer" {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.Metadata.Iterations != 1 {
		t.Errorf("iterations = %d", res.Metadata.Iterations)
	}
}

func TestNoteBoundedOnToolFailure(t *testing.T) {
	reg, _, _ := testRegistry(func(tool.Request) (*tool.Response, error) {
		return nil, &domain.ToolError{Tool: "llm", Err: errors.New("rate limited")}
	}, nil)
	note, _ := NewNoteInstrument(reg)

	res, err := note.Execute(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != loop.OutcomeBounded {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if len(res.Findings) != 1 || res.Findings[0].Confidence > 0.2 {
		t.Errorf("findings = %+v", res.Findings)
	}
}

func TestResearchTerminatesAndCheckpoints(t *testing.T) {
	reg, _, search := testRegistry(
		func(req tool.Request) (*tool.Response, error) {
			if sys, _ := req.Params["system"].(string); sys == synthesisSystemPrompt {
				return &tool.Response{Content: `{"summary":"merged","has_contradictions":false,"contradiction_hint":""}`}, nil
			}
			return &tool.Response{Content: "query one\nquery two"}, nil
		},
		func(req tool.Request) (*tool.Response, error) {
			return &tool.Response{
				Content: "result for " + req.Prompt,
				Sources: []string{"https://example.com/" + req.Prompt},
			}, nil
		},
	)
	research, err := NewResearchInstrument(reg, InstrumentOptions{ResearchIterations: 3})
	if err != nil {
		t.Fatalf("NewResearchInstrument: %v", err)
	}

	checkpoints := 0
	res, err := research.Execute(context.Background(), "deep question", countingContext(&checkpoints))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Metadata.Iterations == 0 || res.Metadata.Iterations > 3 {
		t.Errorf("iterations = %d", res.Metadata.Iterations)
	}
	if checkpoints != res.Metadata.Iterations {
		t.Errorf("checkpoints = %d, iterations = %d", checkpoints, res.Metadata.Iterations)
	}
	if res.Summary != "merged" {
		t.Errorf("summary = %q", res.Summary)
	}
	if search.callCount() == 0 {
		t.Error("web search was never consulted")
	}
	if len(res.Metadata.SourcesConsulted) == 0 {
		t.Error("no sources recorded")
	}
}

func TestResearchSurvivesSearchFailure(t *testing.T) {
	reg, _, _ := testRegistry(
		func(req tool.Request) (*tool.Response, error) {
			if sys, _ := req.Params["system"].(string); sys == synthesisSystemPrompt {
				return &tool.Response{Content: `{"summary":"partial","has_contradictions":false}`}, nil
			}
			return &tool.Response{Content: "a query"}, nil
		},
		func(tool.Request) (*tool.Response, error) {
			return nil, &domain.ToolError{Tool: "search", Err: errors.New("down")}
		},
	)
	research, _ := NewResearchInstrument(reg, InstrumentOptions{ResearchIterations: 2})

	res, err := research.Execute(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Failed searches degrade to low-confidence findings, never an error.
	foundSynthetic := false
	for _, f := range res.Findings {
		if f.Confidence <= 0.2 {
			foundSynthetic = true
		}
	}
	if !foundSynthetic {
		t.Error("expected synthetic low-confidence findings from failed searches")
	}
}

func TestResearchCancellation(t *testing.T) {
	reg, _, _ := testRegistry(nil, nil)
	research, _ := NewResearchInstrument(reg, InstrumentOptions{})

	tc := &task.Context{Cancelled: func() bool { return true }}
	_, err := research.Execute(context.Background(), "q", tc)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("err = %v", err)
	}
}

func TestVisionWithoutImages(t *testing.T) {
	reg, llm, _ := testRegistry(nil, nil)
	vision, err := NewVisionInstrument(reg, InstrumentOptions{})
	if err != nil {
		t.Fatalf("NewVisionInstrument: %v", err)
	}

	res, err := vision.Execute(context.Background(), "what is in this image?", &task.Context{
		Request: &task.Request{Query: "q", Context: &task.RequestContext{Attachments: []string{"notes.txt"}}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != loop.OutcomeBounded {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if res.Metadata.Iterations != 0 {
		t.Errorf("iterations = %d, want 0", res.Metadata.Iterations)
	}
	if llm.callCount() != 0 {
		t.Error("no tool should be invoked without parsable images")
	}
}

func TestVisionAnalyzesAttachments(t *testing.T) {
	reg, llm, _ := testRegistry(func(req tool.Request) (*tool.Response, error) {
		if req.Capability == tool.CapVision {
			return &tool.Response{Content: `{"observations":["a red door","a tree"],"analysis":"a house","confidence":0.9}`}, nil
		}
		return &tool.Response{Content: "A house with a red door."}, nil
	}, nil)
	vision, _ := NewVisionInstrument(reg, InstrumentOptions{})

	res, err := vision.Execute(context.Background(), "describe", &task.Context{
		Request: &task.Request{Query: "q", Context: &task.RequestContext{
			Attachments: []string{"https://example.com/photo.png"},
		}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != loop.OutcomeComplete && res.Outcome != loop.OutcomeSaturated {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if len(res.Findings) < 2 {
		t.Errorf("findings = %d", len(res.Findings))
	}
	if llm.callCount() == 0 {
		t.Error("vision tool never invoked")
	}
}

func TestParseImageAttachments(t *testing.T) {
	images := ParseImageAttachments([]string{
		"data:image/png;base64,iVBORw0KGgo=",
		"https://example.com/cat.webp",
		"http://example.com/scan.heic",
		"https://example.com/page.html",
		"plain text",
	})
	if len(images) != 3 {
		t.Fatalf("parsed %d images, want 3", len(images))
	}
	if images[0].MediaType != "image/png" || images[0].Base64 == "" {
		t.Errorf("data uri parse = %+v", images[0])
	}
	if images[1].MediaType != "image/webp" || images[1].URL == "" {
		t.Errorf("url parse = %+v", images[1])
	}
	if images[2].MediaType != "image/heic" {
		t.Errorf("heic media type = %q", images[2].MediaType)
	}
}

// The vision instrument must accept exactly the attachments the router
// considers images, or a routed task could start with nothing to see.
func TestRoutingAndVisionAgreeOnImages(t *testing.T) {
	refs := []string{
		"data:image/jpeg;base64,abcd",
		"http://example.com/a.png",
		"https://example.com/b.heic?size=large",
		"https://example.com/readme.txt",
		"gibberish",
	}
	for _, ref := range refs {
		routed := loop.IsImageRef(ref)
		parsed := len(ParseImageAttachments([]string{ref})) == 1
		if routed != parsed {
			t.Errorf("ref %q: routed = %v, parsed = %v", ref, routed, parsed)
		}
	}
}

func TestSynthesisMergesInputResults(t *testing.T) {
	reg, _, _ := testRegistry(func(req tool.Request) (*tool.Response, error) {
		return &tool.Response{Content: `{"summary":"combined view","has_contradictions":false,"contradiction_hint":""}`}, nil
	}, nil)
	syn, err := NewSynthesisInstrument(reg)
	if err != nil {
		t.Fatalf("NewSynthesisInstrument: %v", err)
	}

	inputs := []loop.InstrumentResult{
		{
			Confidence: 0.8,
			Findings:   []loop.Finding{{Content: "A", Confidence: 0.8}},
			Metadata:   loop.ExecutionMetadata{SourcesConsulted: []string{"s1"}},
		},
		{
			Confidence: 0.9,
			Findings:   []loop.Finding{{Content: "B", Confidence: 0.9}},
			Metadata:   loop.ExecutionMetadata{SourcesConsulted: []string{"s2", "s1"}},
		},
	}
	res, err := syn.Execute(context.Background(), "q", &task.Context{
		Request: &task.Request{Query: "q", Context: &task.RequestContext{InputResults: inputs}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Summary != "combined view" {
		t.Errorf("summary = %q", res.Summary)
	}
	// Weighted mean 0.85 plus the 0.05 agreement bonus.
	if res.Confidence < 0.89 || res.Confidence > 0.91 {
		t.Errorf("confidence = %v", res.Confidence)
	}
	if len(res.Findings) != 2 {
		t.Errorf("findings = %d", len(res.Findings))
	}
	if len(res.Metadata.SourcesConsulted) != 2 {
		t.Errorf("sources = %v", res.Metadata.SourcesConsulted)
	}
}

func TestSynthesisContradictionInconclusive(t *testing.T) {
	reg, _, _ := testRegistry(func(req tool.Request) (*tool.Response, error) {
		if sys, _ := req.Params["system"].(string); sys == discrepancySystemPrompt {
			return &tool.Response{Content: `{"description":"sources disagree on the date","severity":"significant","suggested_refinements":["narrow the date range"]}`}, nil
		}
		return &tool.Response{Content: `{"summary":"conflicted","has_contradictions":true,"contradiction_hint":"dates differ"}`}, nil
	}, nil)
	syn, _ := NewSynthesisInstrument(reg)

	inputs := []loop.InstrumentResult{
		{Confidence: 0.8, Findings: []loop.Finding{{Content: "March", Confidence: 0.8}}},
		{Confidence: 0.8, Findings: []loop.Finding{{Content: "June", Confidence: 0.8}}},
	}
	res, err := syn.Execute(context.Background(), "when?", &task.Context{
		Request: &task.Request{Query: "q", Context: &task.RequestContext{InputResults: inputs}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != loop.OutcomeInconclusive {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if res.Discrepancy == "" {
		t.Error("expected a populated discrepancy")
	}
	if len(res.SuggestedFollowups) == 0 {
		t.Error("expected refinement followups")
	}
}

func TestSynthesisEmptyInputs(t *testing.T) {
	reg, llm, _ := testRegistry(nil, nil)
	syn, _ := NewSynthesisInstrument(reg)

	res, err := syn.Execute(context.Background(), "q", &task.Context{Request: &task.Request{Query: "q"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != loop.OutcomeBounded || res.Confidence != 0 {
		t.Errorf("result = %+v", res)
	}
	if llm.callCount() != 0 {
		t.Error("no tool calls expected for empty inputs")
	}
}

func TestSynthesisRequiresOnlyReasoning(t *testing.T) {
	// The instrument constructs against a registry with no dedicated
	// synthesis tool, so it must not advertise one as required.
	reg := tool.NewRegistry()
	reg.Register(&mockTool{name: "llm", caps: []tool.Capability{tool.CapReasoning}})
	syn, err := NewSynthesisInstrument(reg)
	if err != nil {
		t.Fatalf("NewSynthesisInstrument: %v", err)
	}
	caps := syn.RequiredCapabilities()
	if len(caps) != 1 || caps[0] != tool.CapReasoning {
		t.Errorf("required capabilities = %v", caps)
	}
}

func TestSynthesisResynthesisPass(t *testing.T) {
	reg, llm, _ := testRegistry(func(req tool.Request) (*tool.Response, error) {
		return &tool.Response{Content: `{"summary":"take two","has_contradictions":false}`}, nil
	}, nil)
	syn, _ := NewSynthesisInstrument(reg)

	inputs := []loop.InstrumentResult{
		{Confidence: 0.3, Findings: []loop.Finding{{Content: "weak", Confidence: 0.3}}},
	}
	res, err := syn.Execute(context.Background(), "q", &task.Context{
		Request: &task.Request{Query: "q", Context: &task.RequestContext{InputResults: inputs}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Metadata.Iterations != 2 {
		t.Errorf("iterations = %d, want 2 (re-synthesis)", res.Metadata.Iterations)
	}
	if res.Confidence < 0.34 || res.Confidence > 0.36 {
		t.Errorf("confidence = %v, want ~0.35 after bonus", res.Confidence)
	}
	if llm.callCount() != 2 {
		t.Errorf("tool calls = %d, want 2", llm.callCount())
	}
}

func TestSpecInstrumentRunsPhases(t *testing.T) {
	reg, llm, _ := testRegistry(nil, nil)
	spec := &loop.Spec{
		Name:                 "triage",
		Phases:               []string{"classify", "assess"},
		MaxIterations:        2,
		RequiredCapabilities: []string{"reasoning"},
	}
	ins, err := NewSpecInstrument(reg, spec, InstrumentOptions{})
	if err != nil {
		t.Fatalf("NewSpecInstrument: %v", err)
	}

	checkpoints := 0
	res, err := ins.Execute(context.Background(), "incident report", countingContext(&checkpoints))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Metadata.Iterations == 0 {
		t.Error("no iterations ran")
	}
	wantCalls := res.Metadata.Iterations * len(spec.Phases)
	if llm.callCount() != wantCalls {
		t.Errorf("tool calls = %d, want %d", llm.callCount(), wantCalls)
	}
	if checkpoints != wantCalls {
		t.Errorf("checkpoints = %d, want one per phase (%d)", checkpoints, wantCalls)
	}
}

func TestSpecInstrumentSpawnPhase(t *testing.T) {
	reg, _, _ := testRegistry(nil, nil)
	spec := &loop.Spec{
		Name:                 "delegating",
		Phases:               []string{"draft", "spawn"},
		MaxIterations:        1,
		RequiredCapabilities: []string{"reasoning"},
	}
	ins, err := NewSpecInstrument(reg, spec, InstrumentOptions{})
	if err != nil {
		t.Fatalf("NewSpecInstrument: %v", err)
	}

	var spawned []string
	tc := &task.Context{
		Request: &task.Request{Query: "root question"},
		Spawn: func(_ context.Context, subQuery string, _ *task.RequestContext) (*loop.InstrumentResult, error) {
			spawned = append(spawned, subQuery)
			return &loop.InstrumentResult{
				Summary:    "sub answer",
				Confidence: 0.9,
				Outcome:    loop.OutcomeComplete,
				Findings:   []loop.Finding{{Content: "sub finding", Confidence: 0.9}},
				Metadata:   loop.ExecutionMetadata{InstrumentUsed: "note", SourcesConsulted: []string{"llm"}},
			}, nil
		},
	}
	res, err := ins.Execute(context.Background(), "root question", tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(spawned) != 1 {
		t.Fatalf("spawn calls = %d", len(spawned))
	}
	// The spawn phase hands the previous phase's output to the sub-task.
	if spawned[0] != "mock answer" {
		t.Errorf("sub query = %q", spawned[0])
	}
	var subFinding, summaryFinding bool
	for _, f := range res.Findings {
		if f.Content == "sub finding" {
			subFinding = true
		}
		if f.Content == "sub answer" {
			summaryFinding = true
		}
	}
	if !subFinding || !summaryFinding {
		t.Errorf("sub-task output not aggregated: %+v", res.Findings)
	}
}

func TestSpecInstrumentSpawnDepthRefusal(t *testing.T) {
	reg, _, _ := testRegistry(nil, nil)
	spec := &loop.Spec{
		Name:                 "recursive",
		Phases:               []string{"spawn", "conclude"},
		MaxIterations:        1,
		RequiredCapabilities: []string{"reasoning"},
	}
	ins, err := NewSpecInstrument(reg, spec, InstrumentOptions{})
	if err != nil {
		t.Fatalf("NewSpecInstrument: %v", err)
	}

	tc := &task.Context{
		Request:  &task.Request{Query: "deep dive"},
		Depth:    2,
		MaxDepth: 2,
		Spawn: func(context.Context, string, *task.RequestContext) (*loop.InstrumentResult, error) {
			return nil, &domain.DepthExceededError{Depth: 3, MaxDepth: 2}
		},
	}
	res, err := ins.Execute(context.Background(), "deep dive", tc)
	if err != nil {
		t.Fatalf("the refused spawn must not fail the loop: %v", err)
	}

	// The refusal is recorded as a finding and the remaining phase still
	// contributed, so the root result aggregates both.
	var refusal bool
	for _, f := range res.Findings {
		if strings.Contains(f.Content, "depth") {
			refusal = true
		}
	}
	if !refusal {
		t.Errorf("depth refusal not recorded: %+v", res.Findings)
	}
	if len(res.Findings) < 2 {
		t.Errorf("findings = %d, want refusal plus conclude output", len(res.Findings))
	}
}

func TestSpawnSubtaskFoldsDepthRefusal(t *testing.T) {
	tc := &task.Context{
		Spawn: func(context.Context, string, *task.RequestContext) (*loop.InstrumentResult, error) {
			return nil, &domain.DepthExceededError{Depth: 3, MaxDepth: 2}
		},
	}
	res, err := spawnSubtask(context.Background(), tc, "q", nil)
	if err != nil {
		t.Fatalf("spawnSubtask: %v", err)
	}
	if res.Outcome != loop.OutcomeBounded {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if !strings.Contains(res.Discrepancy, "limit of 2") {
		t.Errorf("discrepancy = %q, must name the limit", res.Discrepancy)
	}

	// Everything else passes through untouched.
	boom := errors.New("boom")
	tc.Spawn = func(context.Context, string, *task.RequestContext) (*loop.InstrumentResult, error) {
		return nil, boom
	}
	if _, err := spawnSubtask(context.Background(), tc, "q", nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want passthrough", err)
	}
}

func TestSpecInstrumentValidation(t *testing.T) {
	reg, _, _ := testRegistry(nil, nil)

	if _, err := NewSpecInstrument(reg, &loop.Spec{Name: "x", MaxIterations: 1}, InstrumentOptions{}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("no phases err = %v", err)
	}
	if _, err := NewSpecInstrument(reg, &loop.Spec{Name: "x", Phases: []string{"a"}}, InstrumentOptions{}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("no iterations err = %v", err)
	}
	spec := &loop.Spec{Name: "x", Phases: []string{"a"}, MaxIterations: 1, RequiredCapabilities: []string{"teleport"}}
	if _, err := NewSpecInstrument(reg, spec, InstrumentOptions{}); !errors.Is(err, domain.ErrCapability) {
		t.Errorf("missing capability err = %v", err)
	}
}

func TestInstrumentSetRegisterSpec(t *testing.T) {
	reg, _, _ := testRegistry(nil, nil)
	set, err := NewInstrumentSet(reg, InstrumentOptions{})
	if err != nil {
		t.Fatalf("NewInstrumentSet: %v", err)
	}

	for _, name := range []string{"note", "research", "vision", "synthesis"} {
		if _, err := set.Get(name); err != nil {
			t.Errorf("Get(%s): %v", name, err)
		}
	}

	spec := &loop.Spec{Name: "triage", Phases: []string{"a"}, MaxIterations: 1, RequiredCapabilities: []string{"reasoning"}}
	if err := set.RegisterSpec(reg, spec, InstrumentOptions{}); err != nil {
		t.Fatalf("RegisterSpec: %v", err)
	}
	if _, err := set.Get("triage"); err != nil {
		t.Errorf("Get(triage): %v", err)
	}
	if err := set.RegisterSpec(reg, spec, InstrumentOptions{}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("duplicate register err = %v", err)
	}
	if err := set.RegisterSpec(reg, &loop.Spec{Name: "note", Phases: []string{"a"}, MaxIterations: 1}, InstrumentOptions{}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("baseline shadow err = %v", err)
	}
}

func TestInstrumentSetMissingCapability(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(&mockTool{name: "llm", caps: []tool.Capability{tool.CapReasoning}})
	// No web_search or vision tool registered.
	if _, err := NewInstrumentSet(reg, InstrumentOptions{}); !errors.Is(err, domain.ErrCapability) {
		t.Errorf("err = %v", err)
	}
}
