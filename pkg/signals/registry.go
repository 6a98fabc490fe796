// Package signals implements the deterministic signal compute registry:
// named pure functions over a portfolio snapshot. The registry is a
// static map populated at process start — no dynamic discovery, no
// reflection — so the rule-to-signal dependency graph is verifiable
// before any evaluation runs.
package signals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

var (
	// ErrUnknownSignal is returned when a name has no registered
	// definition. Constitution activation surfaces this as a config
	// error; it never reaches a live evaluation.
	ErrUnknownSignal = errors.New("unknown signal")

	// ErrAlreadyRegistered guards against double registration. Signals
	// are immutable once registered.
	ErrAlreadyRegistered = errors.New("signal already registered")

	// ErrNoCoverage marks a signal whose input data is missing or stale.
	// The interpreter downgrades affected rules to INFO instead of
	// failing the run.
	ErrNoCoverage = errors.New("data coverage unavailable")
)

// Result is the tri-state outcome of computing one signal:
// ok(value) or unavailable(reason). Signal functions never panic on
// missing data.
type Result struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Available bool    `json:"available"`
	Reason    string  `json:"reason,omitempty"`
}

// OK builds an available result.
func OK(name string, value float64) Result {
	return Result{Name: name, Value: value, Available: true}
}

// Unavailable builds a result for missing input coverage.
func Unavailable(name, reason string) Result {
	return Result{Name: name, Reason: reason}
}

// Func computes one scalar from a snapshot. Implementations must be pure:
// same snapshot, same value. Missing data is reported by wrapping
// ErrNoCoverage, never by panicking.
type Func func(snap *contracts.Snapshot) (float64, error)

// Definition describes one registered signal.
type Definition struct {
	Name string
	// Requires lists snapshot sections the signal needs: "positions",
	// "sectors", "accounts", "tags", or "fundamentals:<key>". A missing
	// section short-circuits to an unavailable result.
	Requires []string
	Compute  Func
}

// Registry maps signal names to definitions. Populated once at startup.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a signal definition. Re-registering a name is an error.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("signal name required")
	}
	if def.Compute == nil {
		return fmt.Errorf("signal %s: compute function required", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition for a name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns all registered signal names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compute evaluates one signal against a snapshot.
func (r *Registry) compute(def Definition, snap *contracts.Snapshot) Result {
	for _, req := range def.Requires {
		if reason, ok := sectionPresent(snap, req); !ok {
			return Unavailable(def.Name, reason)
		}
	}
	value, err := def.Compute(snap)
	if err != nil {
		return Unavailable(def.Name, err.Error())
	}
	return OK(def.Name, value)
}

func sectionPresent(snap *contracts.Snapshot, req string) (string, bool) {
	if key, ok := strings.CutPrefix(req, "fundamentals:"); ok {
		if snap.Fundamentals == nil {
			return "fundamentals unavailable", false
		}
		if _, ok := snap.Fundamentals[key]; !ok {
			return fmt.Sprintf("fundamental %q unavailable", key), false
		}
		return "", true
	}
	switch req {
	case "positions":
		if len(snap.PositionWeights) == 0 {
			return "position weights unavailable", false
		}
	case "sectors":
		if len(snap.SectorWeights) == 0 {
			return "sector weights unavailable", false
		}
	case "accounts":
		if len(snap.AccountWeights) == 0 {
			return "account weights unavailable", false
		}
	case "tags":
		if snap.ResolvedTags == nil {
			return "resolved tags unavailable", false
		}
	}
	return "", true
}

// ComputeAll evaluates the named signals in parallel across a bounded
// worker pool. Results are sorted by signal name before returning, so
// output is deterministic regardless of scheduling. An unregistered name
// is an error: activation-time validation should have caught it.
func (r *Registry) ComputeAll(ctx context.Context, snap *contracts.Snapshot, names []string, workers int) ([]Result, error) {
	defs := make([]Definition, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		def, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSignal, name)
		}
		defs = append(defs, def)
	}

	if workers < 1 {
		workers = 1
	}
	if workers > len(defs) {
		workers = len(defs)
	}

	jobs := make(chan Definition)
	out := make(chan Result, len(defs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for def := range jobs {
				out <- r.compute(def, snap)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, def := range defs {
			select {
			case jobs <- def:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(out)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(defs))
	for res := range out {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, nil
}

// ToMap indexes results by signal name.
func ToMap(results []Result) map[string]Result {
	m := make(map[string]Result, len(results))
	for _, res := range results {
		m[res.Name] = res
	}
	return m
}
