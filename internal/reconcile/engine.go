package reconcile

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ex2gcal/internal/model"
)

// Destination is the calendar that receives copies of source events.
//
//go:generate mockgen -destination=mocks/mock_destination.go -package=mocks ex2gcal/internal/reconcile Destination
type Destination interface {
	Lister
	Create(ctx context.Context, draft model.Draft) (model.DestinationEvent, error)
	Update(ctx context.Context, id string, draft model.Draft) (model.DestinationEvent, error)
	Delete(ctx context.Context, id string) error
}

// Transformer turns a source event into a draft.
type Transformer interface {
	Transform(ev model.SourceEvent) (model.Draft, error)
}

// Reporter receives one line per decision and per failure.
type Reporter interface {
	Info(msg string, kv ...any)
	Error(msg string, err error, kv ...any)
}

// Action is the kind of destination mutation a Change performs.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change is a single planned destination mutation.
type Change struct {
	Action Action

	// Source and Draft are unset for deletes.
	Source model.SourceEvent
	Draft  model.Draft

	// Existing is unset for creates.
	Existing model.DestinationEvent
}

// Plan is the outcome of matching source events against an Index.
type Plan struct {
	// Writes holds creates and updates in source order.
	Writes []Change
	// Deletes holds one change per unclaimed index entry.
	Deletes []Change

	Unchanged int
	Skipped   int
	Invalid   int
}

// Stats summarizes an applied Plan.
type Stats struct {
	Created   int
	Updated   int
	Unchanged int
	Skipped   int
	Deleted   int
	Failed    int
}

// Engine decides and applies the mutations that make the destination mirror
// the source for one window.
type Engine struct {
	dest        Destination
	transformer Transformer
	skip        SkipSet
	report      Reporter
	workers     int
	dryRun      bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets how many mutations may be in flight at once. Values below
// two keep the engine strictly sequential.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithDryRun makes Apply log every decision without calling the destination.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) { e.dryRun = dryRun }
}

// NewEngine returns an Engine writing to dest.
func NewEngine(dest Destination, tr Transformer, skip SkipSet, report Reporter, opts ...Option) *Engine {
	e := &Engine{
		dest:        dest,
		transformer: tr,
		skip:        skip,
		report:      report,
		workers:     1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.skip == nil {
		e.skip = NewSkipSet()
	}
	return e
}

// Reconcile plans against ix and applies the result. ix is consumed.
func (e *Engine) Reconcile(ctx context.Context, events []model.SourceEvent, ix *Index) Stats {
	return e.Apply(ctx, e.Plan(events, ix))
}

// Plan walks events in order, claiming matching index entries, and returns
// the writes needed plus a delete for every entry left unclaimed. It performs
// no I/O.
//
// A skipped subject is checked before the index lookup, so its entry stays
// unclaimed and the existing copy is deleted.
func (e *Engine) Plan(events []model.SourceEvent, ix *Index) Plan {
	var p Plan

	for _, ev := range events {
		if e.skip.Contains(ev.Subject) {
			p.Skipped++
			e.report.Info("event skipped", "subject", ev.Subject, "source_id", ev.ID)
			continue
		}

		existing, found := ix.Claim(ev.ID)

		draft, err := e.transformer.Transform(ev)
		if err != nil {
			p.Invalid++
			e.report.Error("event transform failed", err, "subject", ev.Subject, "source_id", ev.ID)
			continue
		}

		if !found {
			p.Writes = append(p.Writes, Change{Action: ActionCreate, Source: ev, Draft: draft})
			continue
		}
		if !needsUpdate(draft, existing) {
			p.Unchanged++
			continue
		}
		p.Writes = append(p.Writes, Change{Action: ActionUpdate, Source: ev, Draft: draft, Existing: existing})
	}

	for _, ev := range ix.Remaining() {
		p.Deletes = append(p.Deletes, Change{Action: ActionDelete, Existing: ev})
	}
	return p
}

// Apply performs the planned mutations. A failed call is reported and
// counted; it never stops the pass. All writes finish before the first
// delete is issued.
func (e *Engine) Apply(ctx context.Context, p Plan) Stats {
	st := &statsCounter{Stats: Stats{
		Unchanged: p.Unchanged,
		Skipped:   p.Skipped,
		Failed:    p.Invalid,
	}}

	e.each(ctx, p.Writes, func(ctx context.Context, c Change) { e.apply(ctx, c, st) })
	e.each(ctx, p.Deletes, func(ctx context.Context, c Change) { e.apply(ctx, c, st) })

	return st.Stats
}

func (e *Engine) each(ctx context.Context, changes []Change, fn func(context.Context, Change)) {
	if e.workers < 2 {
		for _, c := range changes {
			fn(ctx, c)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, c := range changes {
		g.Go(func() error {
			fn(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) apply(ctx context.Context, c Change, st *statsCounter) {
	switch c.Action {
	case ActionCreate:
		if e.dryRun {
			e.report.Info("event would be created", "summary", c.Draft.Summary, "source_id", c.Source.ID)
			st.add(&st.Created)
			return
		}
		created, err := e.dest.Create(ctx, c.Draft)
		if err != nil {
			e.report.Error("event create failed", err, "summary", c.Draft.Summary, "source_id", c.Source.ID)
			st.add(&st.Failed)
			return
		}
		e.report.Info("event created", "summary", created.Summary, "link", created.HTMLLink)
		st.add(&st.Created)

	case ActionUpdate:
		if e.dryRun {
			e.report.Info("event would be updated", "summary", c.Existing.Summary, "link", c.Existing.HTMLLink)
			st.add(&st.Updated)
			return
		}
		if _, err := e.dest.Update(ctx, c.Existing.ID, c.Draft); err != nil {
			e.report.Error("event update failed", err,
				"summary", c.Existing.Summary, "id", c.Existing.ID, "link", c.Existing.HTMLLink, "source_id", c.Source.ID)
			st.add(&st.Failed)
			return
		}
		e.report.Info("event updated", "summary", c.Existing.Summary, "link", c.Existing.HTMLLink)
		st.add(&st.Updated)

	case ActionDelete:
		if e.dryRun {
			e.report.Info("event would be deleted", "summary", c.Existing.Summary, "link", c.Existing.HTMLLink)
			st.add(&st.Deleted)
			return
		}
		if err := e.dest.Delete(ctx, c.Existing.ID); err != nil {
			e.report.Error("event delete failed", err,
				"summary", c.Existing.Summary, "id", c.Existing.ID, "link", c.Existing.HTMLLink)
			st.add(&st.Failed)
			return
		}
		e.report.Info("event deleted", "summary", c.Existing.Summary, "link", c.Existing.HTMLLink)
		st.add(&st.Deleted)
	}
}

// needsUpdate compares the four tracked fields. Instants are parsed, so a
// different textual form of the same instant is not a change.
func needsUpdate(d model.Draft, ev model.DestinationEvent) bool {
	if d.Summary != ev.Summary || d.Description != ev.Description {
		return true
	}
	return !sameInstant(d.Start, ev.Start) || !sameInstant(d.End, ev.End)
}

func sameInstant(t time.Time, stored model.EventTime) bool {
	s, err := stored.Instant()
	if err != nil {
		return false
	}
	return s.Equal(t)
}

type statsCounter struct {
	mu sync.Mutex
	Stats
}

func (s *statsCounter) add(field *int) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}
