package gate

import (
	"fmt"
	"strings"

	"github.com/pakt/pakt/internal/hash"
	"github.com/pakt/pakt/internal/manifest"
	"github.com/pakt/pakt/internal/registry"
	"github.com/pakt/pakt/internal/signing"
)

// Sequence kinds. Install runs self-consistency gates before plane-wide
// gates; integrity-check runs only plane-wide gates.
const (
	SequenceInstall   = "install"
	SequenceIntegrity = "integrity-check"
)

// Engine status values.
const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusPassed  = "PASSED"
	StatusFailed  = "FAILED"
)

// InstalledPackage is the dependency-relevant view of an installed
// package, resolved by the caller from receipts and stored manifests.
type InstalledPackage struct {
	PackageID    string
	Version      string
	Dependencies []manifest.Dependency
}

// Context carries everything a gate may consult. Declaration-only gates
// read just the archive; plane-wide gates read the registry, the governed
// tree, and the installed set.
type Context struct {
	Archive      *manifest.Archive
	ManifestHash hash.Digest

	Tree      string
	Registry  *registry.Registry
	Installed []InstalledPackage

	Keyring *signing.Keyring
	// AllowUnsigned is the environment-scoped development override. It is
	// read once at startup and logged there; gates only honor it.
	AllowUnsigned bool
}

// Result is one gate's verdict. Failure messages name the offending
// entity so the caller can remediate.
type Result struct {
	Gate    string   `json:"gate"`
	Passed  bool     `json:"passed"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// SequenceResult is the ordered outcome of a gate sequence: every result
// computed up to and including the first failure.
type SequenceResult struct {
	Kind    string   `json:"kind"`
	Status  string   `json:"status"`
	Results []Result `json:"results"`
}

func (s *SequenceResult) Passed() bool {
	return s.Status == StatusPassed
}

// Failure returns the failing result, if any.
func (s *SequenceResult) Failure() *Result {
	if len(s.Results) == 0 || s.Status != StatusFailed {
		return nil
	}
	last := &s.Results[len(s.Results)-1]
	if last.Passed {
		return nil
	}
	return last
}

// PassedGates lists the names of gates that passed, in order.
func (s *SequenceResult) PassedGates() []string {
	var names []string
	for _, r := range s.Results {
		if r.Passed {
			names = append(names, r.Gate)
		}
	}
	return names
}

func (s *SequenceResult) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s sequence %s", s.Kind, s.Status)
	if f := s.Failure(); f != nil {
		fmt.Fprintf(&sb, " at gate %s: %s", f.Gate, f.Message)
		if passed := s.PassedGates(); len(passed) > 0 {
			fmt.Fprintf(&sb, " (passed: %s)", strings.Join(passed, ", "))
		}
	}
	return sb.String()
}

// Gate is a named pass/fail check.
type Gate struct {
	Name string
	Run  func(*Context) Result
}

// Engine holds the ordered gate sequences keyed by operation kind.
type Engine struct {
	sequences map[string][]Gate
}

// NewEngine builds the canonical sequences.
func NewEngine() *Engine {
	selfConsistency := Gate{Name: "self-consistency", Run: runSelfConsistency}
	planeOwnership := Gate{Name: "plane-ownership", Run: runPlaneOwnership}
	dependencyChain := Gate{Name: "dependency-chain", Run: runDependencyChain}
	signature := Gate{Name: "signature", Run: runSignature}

	return &Engine{sequences: map[string][]Gate{
		SequenceInstall:   {selfConsistency, planeOwnership, dependencyChain, signature},
		SequenceIntegrity: {planeOwnership, dependencyChain},
	}}
}

// Gates returns the gate names of a sequence, in execution order.
func (e *Engine) Gates(kind string) []string {
	var names []string
	for _, g := range e.sequences[kind] {
		names = append(names, g.Name)
	}
	return names
}

// Run executes a sequence strictly in order, fail-fast: no gate after the
// first failure executes, and results already computed are retained for
// the failure report.
func (e *Engine) Run(kind string, ctx *Context) (*SequenceResult, error) {
	gates, ok := e.sequences[kind]
	if !ok {
		return nil, fmt.Errorf("unknown gate sequence %q", kind)
	}

	seq := &SequenceResult{Kind: kind, Status: StatusPending}
	for _, g := range gates {
		seq.Status = StatusRunning
		result := g.Run(ctx)
		seq.Results = append(seq.Results, result)
		if !result.Passed {
			seq.Status = StatusFailed
			return seq, nil
		}
	}
	seq.Status = StatusPassed
	return seq, nil
}

// RunOne executes a single named gate from the install sequence.
func (e *Engine) RunOne(name string, ctx *Context) (*Result, error) {
	for _, g := range e.sequences[SequenceInstall] {
		if g.Name == name {
			r := g.Run(ctx)
			return &r, nil
		}
	}
	return nil, fmt.Errorf("unknown gate %q", name)
}
