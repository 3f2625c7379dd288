// Package tool defines the capability-bearing tool port and the
// registry that resolves instrument requirements against it.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/loopsymphony/server/internal/domain"
)

// Capability tags negotiated between instruments and tools.
const (
	CapReasoning Capability = "reasoning"
	CapWebSearch Capability = "web_search"
	CapVision    Capability = "vision"
	CapSynthesis Capability = "synthesis"
)

// Capability is a string tag a tool advertises and an instrument requires.
type Capability string

// Request is a generic tool invocation.
type Request struct {
	Capability Capability
	Prompt     string
	Images     []Image        // vision calls
	Params     map[string]any // capability-specific extras
}

// Image is an inline or fetchable image handed to a vision-capable tool.
type Image struct {
	MediaType string
	Base64    string
	URL       string
}

// Response is the tool's answer.
type Response struct {
	Content string
	Sources []string
	Raw     map[string]any
}

// Tool is the port interface for external capability providers.
// Instances are shared across tasks and must be concurrency-safe.
type Tool interface {
	Name() string
	Capabilities() []Capability
	Version() string
	Invoke(ctx context.Context, req Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// Registry maps capabilities to tools. Registration happens once at
// startup in a fixed order; afterwards the registry is read-only, which
// keeps capability resolution deterministic across restarts.
type Registry struct {
	mu      sync.RWMutex
	ordered []Tool
	byCap   map[Capability][]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{byCap: make(map[Capability][]Tool)}
}

// Register adds a tool. Call order decides resolution tie-breaks.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ordered = append(r.ordered, t)
	for _, c := range t.Capabilities() {
		r.byCap[c] = append(r.byCap[c], t)
	}
}

// GetByCapability returns all tools advertising the capability, in
// registration order.
func (r *Registry) GetByCapability(c Capability) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, len(r.byCap[c]))
	copy(out, r.byCap[c])
	return out
}

// Resolve maps each required capability to the first registered tool
// advertising it. A required capability with no tool fails with
// ErrCapability. Optional capabilities resolve best-effort.
func (r *Registry) Resolve(required, optional []Capability) (map[Capability]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolved := make(map[Capability]Tool, len(required)+len(optional))
	for _, c := range required {
		tools := r.byCap[c]
		if len(tools) == 0 {
			return nil, fmt.Errorf("capability %q: %w", c, domain.ErrCapability)
		}
		resolved[c] = tools[0]
	}
	for _, c := range optional {
		if tools := r.byCap[c]; len(tools) > 0 {
			resolved[c] = tools[0]
		}
	}
	return resolved, nil
}

// HealthCheckAll probes every registered tool.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	tools := make([]Tool, len(r.ordered))
	copy(tools, r.ordered)
	r.mu.RUnlock()

	out := make(map[string]error, len(tools))
	for _, t := range tools {
		out[t.Name()] = t.HealthCheck(ctx)
	}
	return out
}
