// Package journey advances treatment protocols through their stage templates
// and notifies patients about the stages they enter.
package journey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/util"
)

// SystemActor is recorded as TriggeredBy on automatic transitions.
const SystemActor = "system"

// Repo is the slice of the store the orchestrator needs.
type Repo interface {
	store.ProtocolRepo
	store.TemplateRepo
	store.TransitionRepo
	store.EvidenceRepo
}

// Opts configures an Orchestrator.
type Opts struct {
	Concurrency int // protocols evaluated in parallel; values below 1 mean 1
}

// Option configures an Orchestrator.
type Option func(*Opts)

// WithConcurrency evaluates up to n protocols at once.
func WithConcurrency(n int) Option {
	return func(o *Opts) { o.Concurrency = n }
}

// Orchestrator evaluates each active protocol's current stage and moves it at
// most one stage forward per run.
type Orchestrator struct {
	repo        Repo
	eval        *Evaluator
	clock       clock.Clock
	concurrency int
}

// NewOrchestrator creates an Orchestrator over repo.
func NewOrchestrator(repo Repo, c clock.Clock, opts ...Option) *Orchestrator {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Orchestrator{
		repo:        repo,
		eval:        NewEvaluator(repo, c),
		clock:       c,
		concurrency: cfg.Concurrency,
	}
}

// templateCache memoizes template lookups for one run.
type templateCache struct {
	repo store.TemplateRepo
	mu   sync.Mutex
	byID map[string]*models.StageTemplate
}

func (c *templateCache) get(ctx context.Context, p models.Protocol) (*models.StageTemplate, error) {
	key := "id:" + p.TemplateID
	if p.TemplateID == "" {
		key = "type:" + p.ProgramType
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.byID[key]; ok {
		return t, nil
	}
	var (
		t   *models.StageTemplate
		err error
	)
	if p.TemplateID != "" {
		t, err = c.repo.GetStageTemplate(ctx, p.TemplateID)
	} else {
		t, err = c.repo.GetDefaultTemplate(ctx, p.ProgramType)
	}
	if err != nil {
		return nil, err
	}
	c.byID[key] = t
	return t, nil
}

// Run evaluates every active protocol that has a journey stage. One
// protocol's failure is reported in Errors and does not stop the others.
func (o *Orchestrator) Run(ctx context.Context) (models.AdvanceSummary, error) {
	summary := models.AdvanceSummary{Advances: []models.Advance{}, Errors: []string{}}
	protocols, err := o.repo.ListJourneyProtocols(ctx)
	if err != nil {
		return summary, fmt.Errorf("list journey protocols: %w", err)
	}
	slog.Debug("Orchestrator.Run: evaluating protocols", "count", len(protocols), "concurrency", o.concurrency)

	cache := &templateCache{repo: o.repo, byID: make(map[string]*models.StageTemplate)}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, o.concurrency)
	)
	for _, p := range protocols {
		if ctx.Err() != nil {
			break
		}
		summary.Evaluated++
		wg.Add(1)
		sem <- struct{}{}
		go func(p models.Protocol) {
			defer wg.Done()
			defer func() { <-sem }()
			adv, err := o.advanceOne(ctx, cache, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("Orchestrator.Run: protocol skipped", "protocolID", p.ID, "error", err)
				summary.Errors = append(summary.Errors, err.Error())
				return
			}
			if adv != nil {
				summary.Advanced++
				summary.Advances = append(summary.Advances, *adv)
			}
		}(p)
	}
	wg.Wait()

	slog.Info("Orchestrator.Run complete", "evaluated", summary.Evaluated, "advanced", summary.Advanced, "errors", len(summary.Errors))
	return summary, ctx.Err()
}

// advanceOne returns the advance made, or nil when the protocol stays put.
func (o *Orchestrator) advanceOne(ctx context.Context, cache *templateCache, p models.Protocol) (*models.Advance, error) {
	tmpl, err := cache.get(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("protocol %s: load template: %w", p.ID, err)
	}
	if tmpl == nil {
		id := p.TemplateID
		if id == "" {
			id = "default:" + p.ProgramType
		}
		return nil, &LookupError{Kind: "template", ID: id, Ref: "protocol " + p.ID}
	}

	current, found := tmpl.Stage(p.CurrentStage)
	if !found {
		return nil, &LookupError{Kind: "stage", ID: p.CurrentStage, Ref: "protocol " + p.ID}
	}
	next, hasNext := tmpl.Next(p.CurrentStage)
	if !hasNext || !current.Automatic() {
		return nil, nil
	}

	enteredAt, err := o.stageEnteredAt(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("protocol %s: resolve stage entry: %w", p.ID, err)
	}
	ok, failed := o.eval.EvaluateAll(ctx, current.Conditions, p, enteredAt)
	if !ok {
		slog.Debug("Orchestrator: conditions not met", "protocolID", p.ID, "stage", p.CurrentStage, "failed", failed)
		return nil, nil
	}

	ev := models.TransitionEvent{
		ID:          util.NewID("evt_"),
		ProtocolID:  p.ID,
		PatientID:   p.PatientID,
		FromStage:   p.CurrentStage,
		ToStage:     next.Key,
		TriggeredBy: SystemActor,
		TriggerType: models.TriggerAuto,
		Notes:       fmt.Sprintf("Auto-advanced: conditions met for %s", next.Key),
		CreatedAt:   o.clock.Now().UTC(),
	}
	if err := o.repo.AdvanceStage(ctx, ev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.Info("Orchestrator: protocol moved concurrently, skipping", "protocolID", p.ID, "stage", p.CurrentStage)
			return nil, nil
		}
		return nil, &PersistenceError{ProtocolID: p.ID, Op: "advance stage", Err: err}
	}
	slog.Info("Orchestrator: advanced protocol", "protocolID", p.ID, "from", ev.FromStage, "to", ev.ToStage)
	return &models.Advance{ProtocolID: p.ID, PatientID: p.PatientID, From: ev.FromStage, To: ev.ToStage}, nil
}

// stageEnteredAt is the time of the latest event into the current stage,
// falling back to the protocol's update or creation time.
func (o *Orchestrator) stageEnteredAt(ctx context.Context, p models.Protocol) (time.Time, error) {
	ev, err := o.repo.LatestTransitionInto(ctx, p.ID, p.CurrentStage)
	if err != nil {
		return time.Time{}, err
	}
	if ev != nil {
		return ev.CreatedAt, nil
	}
	if !p.UpdatedAt.IsZero() {
		return p.UpdatedAt, nil
	}
	return p.CreatedAt, nil
}

func (o *Orchestrator) loadTemplate(ctx context.Context, p models.Protocol) (*models.StageTemplate, error) {
	cache := &templateCache{repo: o.repo, byID: make(map[string]*models.StageTemplate)}
	tmpl, err := cache.get(ctx, p)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, &LookupError{Kind: "template", ID: p.ProgramType, Ref: "protocol " + p.ID}
	}
	return tmpl, nil
}

// StartJourney places a protocol without a stage on its template's first
// stage and records the entry event, so elapsed-time conditions on the first
// stage count from a logged instant.
func (o *Orchestrator) StartJourney(ctx context.Context, protocolID, actor string) (models.TransitionEvent, error) {
	p, err := o.repo.GetProtocol(ctx, protocolID)
	if err != nil {
		return models.TransitionEvent{}, err
	}
	if p == nil {
		return models.TransitionEvent{}, &LookupError{Kind: "protocol", ID: protocolID}
	}
	if p.CurrentStage != "" {
		return models.TransitionEvent{}, fmt.Errorf("protocol %s already on stage %s: %w", p.ID, p.CurrentStage, ErrStageConflict)
	}
	tmpl, err := o.loadTemplate(ctx, *p)
	if err != nil {
		return models.TransitionEvent{}, err
	}
	ev := models.TransitionEvent{
		ID:          util.NewID("evt_"),
		ProtocolID:  p.ID,
		PatientID:   p.PatientID,
		ToStage:     tmpl.Stages[0].Key,
		TriggeredBy: actor,
		TriggerType: models.TriggerEntered,
		Notes:       "Journey started",
		CreatedAt:   o.clock.Now().UTC(),
	}
	if err := o.repo.AdvanceStage(ctx, ev); err != nil {
		return models.TransitionEvent{}, staffMoveError(p.ID, "start journey", err)
	}
	return ev, nil
}

// ManualAdvance moves a protocol to any stage of its template on behalf of
// staff. Manual moves may skip or go backwards.
func (o *Orchestrator) ManualAdvance(ctx context.Context, protocolID, toStage, actor, notes string) (models.TransitionEvent, error) {
	p, err := o.repo.GetProtocol(ctx, protocolID)
	if err != nil {
		return models.TransitionEvent{}, err
	}
	if p == nil {
		return models.TransitionEvent{}, &LookupError{Kind: "protocol", ID: protocolID}
	}
	tmpl, err := o.loadTemplate(ctx, *p)
	if err != nil {
		return models.TransitionEvent{}, err
	}
	if tmpl.StageIndex(toStage) < 0 {
		return models.TransitionEvent{}, &LookupError{Kind: "stage", ID: toStage, Ref: "template " + tmpl.ID}
	}
	if toStage == p.CurrentStage {
		return models.TransitionEvent{}, fmt.Errorf("protocol %s is already on stage %s: %w", p.ID, toStage, ErrStageConflict)
	}
	if notes == "" {
		notes = fmt.Sprintf("Moved from %s to %s", p.CurrentStage, toStage)
	}
	ev := models.TransitionEvent{
		ID:          util.NewID("evt_"),
		ProtocolID:  p.ID,
		PatientID:   p.PatientID,
		FromStage:   p.CurrentStage,
		ToStage:     toStage,
		TriggeredBy: actor,
		TriggerType: models.TriggerManual,
		Notes:       notes,
		CreatedAt:   o.clock.Now().UTC(),
	}
	if err := o.repo.AdvanceStage(ctx, ev); err != nil {
		return models.TransitionEvent{}, staffMoveError(p.ID, "manual advance", err)
	}
	slog.Info("Orchestrator.ManualAdvance", "protocolID", p.ID, "from", ev.FromStage, "to", toStage, "actor", actor)
	return ev, nil
}

// staffMoveError reports a lost race on the protocol's stage as
// ErrStageConflict and anything else as a PersistenceError.
func staffMoveError(protocolID, op string, err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("protocol %s changed during %s: %w", protocolID, op, ErrStageConflict)
	}
	return &PersistenceError{ProtocolID: protocolID, Op: op, Err: err}
}
