package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/task"
)

// defaultBranchTimeout bounds each parallel branch.
const defaultBranchTimeout = 60 * time.Second

// Composition is a higher-order loop combining instruments. All
// compositions run as conscious processes.
type Composition interface {
	Execute(ctx context.Context, query string, tc *task.Context, c *Conductor) (*loop.InstrumentResult, error)
}

// configurable is implemented by instruments that accept per-step
// composition overrides.
type configurable interface {
	WithConfig(cfg loop.InstrumentConfig) Instrument
}

// RunInstrumentWithConfig executes a named instrument with an optional
// per-step override. The override applies to this run only; the shared
// instrument instance is untouched, so sibling steps never see it.
func (c *Conductor) RunInstrumentWithConfig(ctx context.Context, name, query string, tc *task.Context, cfg *loop.InstrumentConfig) (*loop.InstrumentResult, error) {
	ins, err := c.instruments.Get(name)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if cf, ok := ins.(configurable); ok {
			ins = cf.WithConfig(*cfg)
		}
	}
	return ins.Execute(ctx, query, tc)
}

// SequentialStep is one stage of a sequential composition.
type SequentialStep struct {
	Instrument string                 `json:"instrument"`
	Config     *loop.InstrumentConfig `json:"config,omitempty"`
}

// SequentialComposition chains instruments: each step sees the previous
// step's result in its input_results. An inconclusive step halts the
// pipeline early.
type SequentialComposition struct {
	Steps []SequentialStep `json:"steps"`
}

func (s *SequentialComposition) Execute(ctx context.Context, query string, tc *task.Context, c *Conductor) (*loop.InstrumentResult, error) {
	if len(s.Steps) == 0 {
		return nil, domain.Validationf("sequential composition needs at least one step")
	}

	agg := newMetadataAggregator("sequential")
	var carried []loop.InstrumentResult

	var last *loop.InstrumentResult
	for i, step := range s.Steps {
		if err := checkCancelled(ctx, tc); err != nil {
			return nil, err
		}

		stepCtx := childContext(tc, carried)
		res, err := c.RunInstrumentWithConfig(ctx, step.Instrument, query, stepCtx, step.Config)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Instrument, err)
		}
		agg.add(res)
		last = res

		if res.Outcome == loop.OutcomeInconclusive {
			// Later steps would build on conflicted findings.
			out := *res
			out.Metadata = agg.metadata()
			return &out, nil
		}
		carried = append(carried, *res)
	}

	out := *last
	out.Metadata = agg.metadata()
	return &out, nil
}

// ParallelComposition fans out branches concurrently and merges the
// survivors through the synthesis instrument.
type ParallelComposition struct {
	Branches        []string      `json:"branches"`
	MergeInstrument string        `json:"merge_instrument,omitempty"` // default synthesis
	BranchTimeout   time.Duration `json:"branch_timeout,omitempty"`
}

func (p *ParallelComposition) Execute(ctx context.Context, query string, tc *task.Context, c *Conductor) (*loop.InstrumentResult, error) {
	if len(p.Branches) == 0 {
		return nil, domain.Validationf("parallel composition needs at least one branch")
	}
	timeout := p.BranchTimeout
	if timeout <= 0 {
		timeout = defaultBranchTimeout
	}

	results := make([]*loop.InstrumentResult, len(p.Branches))
	errs := make([]error, len(p.Branches))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range p.Branches {
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			res, err := c.RunInstrument(bctx, name, query, childContext(tc, nil))
			if err != nil {
				errs[i] = fmt.Errorf("branch %s: %w", name, err)
				return nil // partial failure is handled at fan-in
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return p.merge(ctx, query, tc, c, results, errs)
}

func (p *ParallelComposition) merge(ctx context.Context, query string, tc *task.Context, c *Conductor, results []*loop.InstrumentResult, errs []error) (*loop.InstrumentResult, error) {
	agg := newMetadataAggregator("parallel")
	var succeeded []loop.InstrumentResult
	var failed []string
	for i, res := range results {
		if res != nil {
			succeeded = append(succeeded, *res)
			agg.add(res)
			continue
		}
		if errs[i] != nil {
			failed = append(failed, errs[i].Error())
		}
	}

	if len(succeeded) == 0 {
		return &loop.InstrumentResult{
			Summary:     "All branches failed; no findings to merge.",
			Outcome:     loop.OutcomeInconclusive,
			Discrepancy: strings.Join(failed, "; "),
			Metadata:    agg.metadata(),
		}, nil
	}

	mergeName := p.MergeInstrument
	if mergeName == "" {
		mergeName = "synthesis"
	}
	merged, err := c.RunInstrument(ctx, mergeName, query, childContext(tc, succeeded))
	if err != nil {
		return nil, fmt.Errorf("merge via %s: %w", mergeName, err)
	}
	agg.add(merged)

	out := *merged
	out.Metadata = agg.metadata()
	if len(failed) > 0 {
		note := "failed branches: " + strings.Join(failed, "; ")
		if out.Discrepancy != "" {
			out.Discrepancy += "; " + note
		} else {
			out.Discrepancy = note
		}
	}
	return &out, nil
}

// RoomBranch targets one room with a sub-query.
type RoomBranch struct {
	RoomID   string `json:"room_id"`
	SubQuery string `json:"sub_query"`
}

// CrossRoomComposition delegates branches to sibling rooms and merges
// the survivors through synthesis. The server registers itself as a
// room, so local branches are first-class.
type CrossRoomComposition struct {
	Branches []RoomBranch `json:"branches"`
}

func (x *CrossRoomComposition) Execute(ctx context.Context, query string, tc *task.Context, c *Conductor) (*loop.InstrumentResult, error) {
	if len(x.Branches) == 0 {
		return nil, domain.Validationf("cross-room composition needs at least one branch")
	}

	results := make([]*loop.InstrumentResult, len(x.Branches))
	errs := make([]error, len(x.Branches))

	g, gctx := errgroup.WithContext(ctx)
	for i, br := range x.Branches {
		g.Go(func() error {
			res, err := c.DelegateToRoom(gctx, br.RoomID, br.SubQuery, childContext(tc, nil))
			if err != nil {
				errs[i] = fmt.Errorf("room %s: %w", br.RoomID, err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	p := &ParallelComposition{}
	return p.merge(ctx, query, tc, c, results, errs)
}

// childContext clones the task context for a composition step with its
// own input results. Callbacks and recursion counters carry over.
func childContext(tc *task.Context, inputs []loop.InstrumentResult) *task.Context {
	child := &task.Context{}
	if tc != nil {
		*child = *tc
	}
	base := child.RequestContextOrEmpty()
	rc := *base
	rc.InputResults = inputs

	req := &task.Request{}
	if child.Request != nil {
		*req = *child.Request
	}
	req.Context = &rc
	child.Request = req
	return child
}

// metadataAggregator folds step metadata: iterations and durations sum,
// sources union.
type metadataAggregator struct {
	instrument string
	iterations int
	durationMS int64
	sources    []string
}

func newMetadataAggregator(instrument string) *metadataAggregator {
	return &metadataAggregator{instrument: instrument}
}

func (a *metadataAggregator) add(res *loop.InstrumentResult) {
	a.iterations += res.Metadata.Iterations
	a.durationMS += res.Metadata.DurationMS
	a.sources = append(a.sources, res.Metadata.SourcesConsulted...)
}

func (a *metadataAggregator) metadata() loop.ExecutionMetadata {
	return loop.ExecutionMetadata{
		InstrumentUsed:   a.instrument,
		Iterations:       a.iterations,
		DurationMS:       a.durationMS,
		SourcesConsulted: uniqueSources(a.sources),
		ProcessType:      loop.ProcessConscious,
	}
}
