// Package engine wires the governance subsystems into the operation
// contracts exposed to collaborators: constitution lifecycle, evaluation
// runs, exception decisions, and ledger queries. Transport is out of
// scope — callers adapt these methods to whatever surface they serve.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/covenantlabs/covenant/pkg/canonicalize"
	"github.com/covenantlabs/covenant/pkg/constitution"
	"github.com/covenantlabs/covenant/pkg/contracts"
	"github.com/covenantlabs/covenant/pkg/exceptions"
	"github.com/covenantlabs/covenant/pkg/interpreter"
	"github.com/covenantlabs/covenant/pkg/ledger"
	"github.com/covenantlabs/covenant/pkg/observability"
	"github.com/covenantlabs/covenant/pkg/scoring"
	"github.com/covenantlabs/covenant/pkg/signals"
	"github.com/covenantlabs/covenant/pkg/tags"
)

// Options configures a Service.
type Options struct {
	Logger          *slog.Logger
	Registry        *signals.Registry
	Interpreter     *interpreter.Interpreter
	Tags            *tags.Resolver
	Constitutions   *constitution.Store
	Exceptions      *exceptions.Manager
	Ledger          *ledger.Ledger
	Locks           Locker
	Metrics         *observability.Metrics
	Workers         int
	IncludeInferred bool // let inferred tags reach evaluation (draft mode)
}

// Service implements the engine's operation contracts.
type Service struct {
	logger          *slog.Logger
	registry        *signals.Registry
	interp          *interpreter.Interpreter
	tags            *tags.Resolver
	constitutions   *constitution.Store
	exceptions      *exceptions.Manager
	ledger          *ledger.Ledger
	locks           Locker
	metrics         *observability.Metrics
	workers         int
	includeInferred bool
	clock           func() time.Time
}

// New creates a Service. Registry, Interpreter, Constitutions,
// Exceptions, and Ledger are required; the rest have defaults.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil || opts.Interpreter == nil ||
		opts.Constitutions == nil || opts.Exceptions == nil || opts.Ledger == nil {
		return nil, fmt.Errorf("engine: missing required subsystem")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := opts.Locks
	if locks == nil {
		locks = NewKeyedMutex()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	return &Service{
		logger:          logger.With("component", "engine"),
		registry:        opts.Registry,
		interp:          opts.Interpreter,
		tags:            opts.Tags,
		constitutions:   opts.Constitutions,
		exceptions:      opts.Exceptions,
		ledger:          opts.Ledger,
		locks:           locks,
		metrics:         opts.Metrics,
		workers:         workers,
		includeInferred: opts.IncludeInferred,
		clock:           time.Now,
	}, nil
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateConstitution validates a definition and stores it as a draft at
// version 1.0.0.
func (s *Service) CreateConstitution(ctx context.Context, userID string, definition []byte) (*contracts.Constitution, error) {
	def, err := constitution.ParseDefinition(definition)
	if err != nil {
		return nil, err
	}
	c, err := s.constitutions.CreateDraft(ctx, userID, def)
	if err != nil {
		return nil, err
	}
	s.logger.Info("constitution drafted", "constitution_id", c.ID, "version", c.Version)
	return c, nil
}

// ActivateConstitution compiles every rule against the signal registry
// and freezes the version. A rule referencing an unregistered signal or
// carrying a malformed predicate rejects the whole activation — config
// errors never reach a live evaluation.
func (s *Service) ActivateConstitution(ctx context.Context, id, version string) (*contracts.Constitution, error) {
	c, err := s.constitutions.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if err := s.compileRules(c); err != nil {
		return nil, err
	}
	activated, err := s.constitutions.Activate(ctx, id, version)
	if err != nil {
		return nil, err
	}
	s.logger.Info("constitution activated", "constitution_id", id, "version", version)
	return activated, nil
}

// AmendConstitution creates and activates the next version from a new
// definition. The prior version is superseded but stays queryable;
// evaluations recorded against it are untouched.
func (s *Service) AmendConstitution(ctx context.Context, id string, definition []byte) (*contracts.Constitution, error) {
	def, err := constitution.ParseDefinition(definition)
	if err != nil {
		return nil, err
	}
	amended, err := s.constitutions.Amend(ctx, id, def)
	if err != nil {
		return nil, err
	}
	return s.ActivateConstitution(ctx, id, amended.Version)
}

func (s *Service) compileRules(c *contracts.Constitution) error {
	for _, rule := range c.Rules() {
		if err := s.interp.CompileRule(rule); err != nil {
			return fmt.Errorf("constitution %s@%s: %w", c.ID, c.Version, err)
		}
	}
	return nil
}

// Evaluate runs the active constitution version against a snapshot and
// commits the run to the ledger as one atomic record. Runs for the same
// user are serialized; concurrent callers fail fast with ErrLockHeld.
func (s *Service) Evaluate(ctx context.Context, constitutionID string, snap *contracts.Snapshot) (*contracts.Evaluation, []contracts.RuleResult, error) {
	if snap == nil || snap.UserID == "" {
		return nil, nil, fmt.Errorf("engine: snapshot with user_id required")
	}

	release, err := s.locks.Acquire(ctx, snap.UserID)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	started := s.clock()
	now := started.UTC()

	c, err := s.constitutions.GetActive(ctx, constitutionID)
	if err != nil {
		return nil, nil, err
	}

	// Expired exceptions stop capping from this run onward; the sweep
	// also hands the newly expired set to the alerting collaborator.
	expired, err := s.exceptions.Sweep(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	if len(expired) > 0 {
		s.logger.Warn("exceptions lapsed before run", "count", len(expired))
	}
	active, err := s.exceptions.ActiveForUser(ctx, snap.UserID, now)
	if err != nil {
		return nil, nil, err
	}

	s.resolveTags(snap)
	if err := s.sealSnapshot(snap); err != nil {
		return nil, nil, err
	}

	rules := c.Rules()
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	sigResults, err := s.registry.ComputeAll(ctx, snap, neededSignals(rules), s.workers)
	if err != nil {
		return nil, nil, err
	}
	sigMap := signals.ToMap(sigResults)

	results := make([]contracts.RuleResult, 0, len(rules))
	weights := make(map[string]float64, len(rules))
	for _, rule := range rules {
		res, err := s.interp.EvaluateRule(rule, sigMap, active, now)
		if err != nil {
			return nil, nil, err
		}
		weights[rule.ID] = rule.Weight
		results = append(results, res)
	}

	// Hash before stamping the evaluation ID so identical inputs yield
	// identical hashes across runs.
	resultsHash, err := canonicalize.Hash(results)
	if err != nil {
		return nil, nil, err
	}

	eval := &contracts.Evaluation{
		ID:                  uuid.New().String(),
		UserID:              snap.UserID,
		ConstitutionID:      c.ID,
		ConstitutionVersion: c.Version,
		SnapshotRef:         snap.Ref,
		CreatedAt:           now,
		OverallScore:        scoring.Overall(results, weights),
		ResultsHash:         resultsHash,
	}
	for i := range results {
		results[i].EvaluationID = eval.ID
	}

	if err := s.ledger.Commit(ctx, eval, results); err != nil {
		return nil, nil, err
	}

	s.metrics.RecordEvaluation(ctx, eval, results, s.clock().Sub(started))
	s.logger.Info("evaluation committed",
		"evaluation_id", eval.ID, "seq", eval.Seq,
		"constitution_version", eval.ConstitutionVersion,
		"score", eval.OverallScore, "rules", len(results))
	return eval, results, nil
}

// resolveTags fills the snapshot's authoritative tag view when the
// caller has not already supplied one.
func (s *Service) resolveTags(snap *contracts.Snapshot) {
	if snap.ResolvedTags != nil || s.tags == nil {
		return
	}
	ids := make([]string, 0, len(snap.PositionWeights))
	for id := range snap.PositionWeights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snap.ResolvedTags = s.tags.ResolveValues(ids, s.includeInferred)
}

// sealSnapshot assigns the snapshot's canonical content hash.
func (s *Service) sealSnapshot(snap *contracts.Snapshot) error {
	if snap.Ref != "" {
		return nil
	}
	unsealed := *snap
	unsealed.Ref = ""
	ref, err := canonicalize.Hash(&unsealed)
	if err != nil {
		return fmt.Errorf("seal snapshot: %w", err)
	}
	snap.Ref = ref
	return nil
}

func neededSignals(rules []contracts.Rule) []string {
	seen := make(map[string]bool)
	var names []string
	for _, rule := range rules {
		for _, ref := range rule.SignalRefs {
			if !seen[ref] {
				seen[ref] = true
				names = append(names, ref)
			}
		}
	}
	sort.Strings(names)
	return names
}

// GetLatestEvaluation returns the user's most recent evaluation with its
// rule results.
func (s *Service) GetLatestEvaluation(ctx context.Context, userID string) (*contracts.Evaluation, []contracts.RuleResult, error) {
	eval, err := s.ledger.Latest(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	results, err := s.ledger.Results(ctx, eval.ID)
	if err != nil {
		return nil, nil, err
	}
	return eval, results, nil
}

// CreateException records a pending exception for a rule.
func (s *Service) CreateException(ctx context.Context, ex contracts.Exception) (*contracts.Exception, error) {
	return s.exceptions.Create(ctx, ex)
}

// DecideException approves or denies a pending exception under
// optimistic versioning.
func (s *Service) DecideException(ctx context.Context, id string, approve bool, actor string, expectedRevision int64) (*contracts.Exception, error) {
	return s.exceptions.Decide(ctx, id, approve, actor, expectedRevision)
}

// RevokeException withdraws an approved exception.
func (s *Service) RevokeException(ctx context.Context, id, actor string, expectedRevision int64) (*contracts.Exception, error) {
	return s.exceptions.Revoke(ctx, id, actor, expectedRevision)
}

// Drift compares the user's two most recent evaluations for one
// constitution version.
func (s *Service) Drift(ctx context.Context, userID, constitutionVersion string) (*scoring.Drift, error) {
	history, err := s.ledger.History(ctx, userID, constitutionVersion, 2)
	if err != nil {
		return nil, err
	}
	if len(history) < 2 {
		return nil, fmt.Errorf("%w: need two evaluations for drift", ledger.ErrNotFound)
	}
	cur, prev := history[0], history[1]
	curResults, err := s.ledger.Results(ctx, cur.ID)
	if err != nil {
		return nil, err
	}
	prevResults, err := s.ledger.Results(ctx, prev.ID)
	if err != nil {
		return nil, err
	}
	drift := scoring.ComputeDrift(prev, cur, prevResults, curResults)
	return &drift, nil
}
