package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"ex2gcal/internal/model"
	"ex2gcal/internal/reconcile/mocks"
)

func runOnce(t *testing.T, cal *memCalendar, events []model.SourceEvent, opts ...Option) Stats {
	t.Helper()
	ctx := context.Background()

	ix, err := BuildIndex(ctx, cal, windowStart, windowEnd)
	require.NoError(t, err)

	e := NewEngine(cal, newTransformer(t), NewSkipSet("Lunch"), &recordingReporter{}, opts...)
	return e.Reconcile(ctx, events, ix)
}

func TestEngine_SecondRunIsIdempotent(t *testing.T) {
	t.Parallel()

	cal := newMemCalendar()
	events := []model.SourceEvent{
		srcEvent("ex-1", "Standup", 9),
		srcEvent("ex-2", "Review", 11),
		srcEvent("ex-3", "Retro", 15),
	}

	first := runOnce(t, cal, events)
	assert.Equal(t, Stats{Created: 3}, first)
	require.Equal(t, 3, cal.opCount())

	second := runOnce(t, cal, events)
	assert.Equal(t, Stats{Unchanged: 3}, second)
	assert.Equal(t, 3, cal.opCount(), "second run must not touch the destination")
}

func TestEngine_CreatesOncePerMissingEvent(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	dest := mocks.NewMockDestination(ctrl)

	var tags []string
	dest.EXPECT().Create(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, d model.Draft) (model.DestinationEvent, error) {
			tags = append(tags, d.OwnershipTag)
			return storedFrom("g-"+d.OwnershipTag, d), nil
		}).Times(2)

	e := NewEngine(dest, newTransformer(t), nil, &recordingReporter{})
	st := e.Reconcile(context.Background(), []model.SourceEvent{
		srcEvent("ex-1", "Standup", 9),
		srcEvent("ex-2", "Review", 11),
	}, NewIndex())

	assert.Equal(t, []string{"ex-1", "ex-2"}, tags)
	assert.Equal(t, Stats{Created: 2}, st)
}

func TestEngine_UpdateDetection(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t)
	base := srcEvent("ex-1", "Standup", 9)
	draft, err := tr.Transform(base)
	require.NoError(t, err)

	tests := []struct {
		name       string
		mutate     func(ev *model.DestinationEvent)
		wantUpdate bool
	}{
		{
			name:       "identical event",
			mutate:     func(*model.DestinationEvent) {},
			wantUpdate: false,
		},
		{
			name: "same instant in a different offset",
			mutate: func(ev *model.DestinationEvent) {
				ev.Start.DateTime = "2025-03-10T10:00:00+01:00"
				ev.End.DateTime = "2025-03-10T05:00:00-05:00"
			},
			wantUpdate: false,
		},
		{
			name:       "summary changed",
			mutate:     func(ev *model.DestinationEvent) { ev.Summary = "Standup (moved)" },
			wantUpdate: true,
		},
		{
			name:       "description changed",
			mutate:     func(ev *model.DestinationEvent) { ev.Description = "<b>old</b>" },
			wantUpdate: true,
		},
		{
			name:       "start changed",
			mutate:     func(ev *model.DestinationEvent) { ev.Start.DateTime = "2025-03-10T08:30:00Z" },
			wantUpdate: true,
		},
		{
			name:       "end changed",
			mutate:     func(ev *model.DestinationEvent) { ev.End.DateTime = "2025-03-10T11:00:00Z" },
			wantUpdate: true,
		},
		{
			name: "all-day stored event",
			mutate: func(ev *model.DestinationEvent) {
				ev.Start = model.EventTime{Date: "2025-03-10"}
			},
			wantUpdate: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			dest := mocks.NewMockDestination(ctrl)

			existing := storedFrom("g-1", draft)
			tt.mutate(&existing)

			ix := NewIndex()
			ix.Add(existing)

			if tt.wantUpdate {
				dest.EXPECT().Update(gomock.Any(), "g-1", draft).Return(storedFrom("g-1", draft), nil).Times(1)
			}

			e := NewEngine(dest, tr, nil, &recordingReporter{})
			st := e.Reconcile(context.Background(), []model.SourceEvent{base}, ix)

			if tt.wantUpdate {
				assert.Equal(t, Stats{Updated: 1}, st)
			} else {
				assert.Equal(t, Stats{Unchanged: 1}, st)
			}
			assert.Zero(t, ix.Len())
		})
	}
}

func TestEngine_DeletesOnlyUnclaimed(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t)
	kept := srcEvent("ex-keep", "Kept", 9)
	keptDraft, err := tr.Transform(kept)
	require.NoError(t, err)

	goneA, err := tr.Transform(srcEvent("ex-gone-a", "Cancelled", 12))
	require.NoError(t, err)
	goneB, err := tr.Transform(srcEvent("ex-gone-b", "Moved out", 14))
	require.NoError(t, err)

	ix := NewIndex()
	ix.Add(storedFrom("g-keep", keptDraft))
	ix.Add(storedFrom("g-a", goneA))
	ix.Add(storedFrom("g-b", goneB))
	ix.Add(model.DestinationEvent{ID: "g-human", Summary: "Dentist"})

	ctrl := gomock.NewController(t)
	dest := mocks.NewMockDestination(ctrl)
	dest.EXPECT().Delete(gomock.Any(), "g-a").Return(nil).Times(1)
	dest.EXPECT().Delete(gomock.Any(), "g-b").Return(nil).Times(1)

	e := NewEngine(dest, tr, nil, &recordingReporter{})
	st := e.Reconcile(context.Background(), []model.SourceEvent{kept}, ix)

	assert.Equal(t, Stats{Unchanged: 1, Deleted: 2}, st)
}

func TestEngine_SkippedSubjectIsNotClaimed(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t)
	lunch := srcEvent("ex-lunch", "Lunch", 12)
	lunchDraft, err := tr.Transform(lunch)
	require.NoError(t, err)

	ix := NewIndex()
	ix.Add(storedFrom("g-lunch", lunchDraft))

	ctrl := gomock.NewController(t)
	dest := mocks.NewMockDestination(ctrl)
	// No create or update for the skipped event; its previous copy is orphaned.
	dest.EXPECT().Delete(gomock.Any(), "g-lunch").Return(nil).Times(1)

	rep := &recordingReporter{}
	e := NewEngine(dest, tr, NewSkipSet("Lunch"), rep)
	st := e.Reconcile(context.Background(), []model.SourceEvent{lunch}, ix)

	assert.Equal(t, Stats{Skipped: 1, Deleted: 1}, st)
	assert.Contains(t, rep.infos, "event skipped")
}

func TestEngine_SkipNeverCreates(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	dest := mocks.NewMockDestination(ctrl)

	e := NewEngine(dest, newTransformer(t), NewSkipSet("Lunch", "Focus time"), &recordingReporter{})
	st := e.Reconcile(context.Background(), []model.SourceEvent{
		srcEvent("ex-1", "Lunch", 12),
		srcEvent("ex-2", "Focus time", 14),
	}, NewIndex())

	assert.Equal(t, Stats{Skipped: 2}, st)
}

func TestEngine_FailuresDoNotStopThePass(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t)
	changed := srcEvent("ex-upd", "Changed", 10)
	oldDraft, err := tr.Transform(srcEvent("ex-upd", "Old title", 10))
	require.NoError(t, err)
	orphan, err := tr.Transform(srcEvent("ex-orphan", "Orphan", 16))
	require.NoError(t, err)
	orphan2, err := tr.Transform(srcEvent("ex-orphan-2", "Orphan 2", 17))
	require.NoError(t, err)

	ix := NewIndex()
	ix.Add(storedFrom("g-upd", oldDraft))
	ix.Add(storedFrom("g-orphan", orphan))
	ix.Add(storedFrom("g-orphan-2", orphan2))

	ctrl := gomock.NewController(t)
	dest := mocks.NewMockDestination(ctrl)
	gomock.InOrder(
		dest.EXPECT().Create(gomock.Any(), gomock.Any()).Return(model.DestinationEvent{}, errors.New("quota")),
		dest.EXPECT().Create(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, d model.Draft) (model.DestinationEvent, error) {
				return storedFrom("g-new", d), nil
			}),
		dest.EXPECT().Update(gomock.Any(), "g-upd", gomock.Any()).Return(model.DestinationEvent{}, errors.New("conflict")),
		dest.EXPECT().Delete(gomock.Any(), "g-orphan").Return(errors.New("gone")),
		dest.EXPECT().Delete(gomock.Any(), "g-orphan-2").Return(nil),
	)

	rep := &recordingReporter{}
	e := NewEngine(dest, tr, nil, rep)
	st := e.Reconcile(context.Background(), []model.SourceEvent{
		srcEvent("ex-fail", "Rejected", 8),
		srcEvent("ex-ok", "Accepted", 9),
		changed,
	}, ix)

	assert.Equal(t, Stats{Created: 1, Deleted: 1, Failed: 3}, st)
	assert.ElementsMatch(t, []string{"event create failed", "event update failed", "event delete failed"}, rep.errors)
}

func TestEngine_InvalidEventClaimsItsEntry(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t)
	good, err := tr.Transform(srcEvent("ex-1", "Standup", 9))
	require.NoError(t, err)

	ix := NewIndex()
	ix.Add(storedFrom("g-1", good))

	broken := srcEvent("ex-1", "Standup", 9)
	broken.End = time.Time{}

	ctrl := gomock.NewController(t)
	dest := mocks.NewMockDestination(ctrl)

	e := NewEngine(dest, tr, nil, &recordingReporter{})
	st := e.Reconcile(context.Background(), []model.SourceEvent{broken}, ix)

	assert.Equal(t, Stats{Failed: 1}, st)
}

func TestEngine_DuplicateTagsKeepOneCopy(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t)
	ev := srcEvent("ex-1", "Standup", 9)
	d, err := tr.Transform(ev)
	require.NoError(t, err)

	cal := newMemCalendar(storedFrom("g-a", d), storedFrom("g-b", d))

	st := runOnce(t, cal, []model.SourceEvent{ev})

	assert.Equal(t, Stats{Unchanged: 1, Deleted: 1}, st)
	assert.Equal(t, []string{"ex-1"}, cal.tags())
}

func TestEngine_ParallelWritesFinishBeforeDeletes(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t)
	var seed []model.DestinationEvent
	for i, id := range []string{"ex-old-1", "ex-old-2", "ex-old-3"} {
		d, err := tr.Transform(srcEvent(id, "Old", 1+i))
		require.NoError(t, err)
		seed = append(seed, storedFrom("g-"+id, d))
	}
	cal := newMemCalendar(seed...)

	var events []model.SourceEvent
	for i, id := range []string{"ex-1", "ex-2", "ex-3", "ex-4", "ex-5", "ex-6"} {
		events = append(events, srcEvent(id, "New", 8+i))
	}

	st := runOnce(t, cal, events, WithWorkers(4))
	assert.Equal(t, Stats{Created: 6, Deleted: 3}, st)

	cal.mu.Lock()
	defer cal.mu.Unlock()
	require.Len(t, cal.ops, 9)
	for i, op := range cal.ops {
		if i < 6 {
			assert.Equal(t, ActionCreate, op)
		} else {
			assert.Equal(t, ActionDelete, op)
		}
	}
}

func TestEngine_DryRunMakesNoCalls(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t)
	old, err := tr.Transform(srcEvent("ex-upd", "Before", 10))
	require.NoError(t, err)
	orphan, err := tr.Transform(srcEvent("ex-orphan", "Orphan", 16))
	require.NoError(t, err)

	ix := NewIndex()
	ix.Add(storedFrom("g-upd", old))
	ix.Add(storedFrom("g-orphan", orphan))

	ctrl := gomock.NewController(t)
	dest := mocks.NewMockDestination(ctrl)

	rep := &recordingReporter{}
	e := NewEngine(dest, tr, nil, rep, WithDryRun(true))
	st := e.Reconcile(context.Background(), []model.SourceEvent{
		srcEvent("ex-new", "New", 9),
		srcEvent("ex-upd", "After", 10),
	}, ix)

	assert.Equal(t, Stats{Created: 1, Updated: 1, Deleted: 1}, st)
	assert.Equal(t, []string{"event would be created", "event would be updated", "event would be deleted"}, rep.infos)
}

func TestEngine_PlanOrder(t *testing.T) {
	t.Parallel()

	tr := newTransformer(t)
	old, err := tr.Transform(srcEvent("ex-2", "Before", 10))
	require.NoError(t, err)

	ix := NewIndex()
	ix.Add(storedFrom("g-2", old))

	e := NewEngine(nil, tr, nil, &recordingReporter{})
	p := e.Plan([]model.SourceEvent{
		srcEvent("ex-3", "C", 11),
		srcEvent("ex-2", "After", 10),
		srcEvent("ex-1", "A", 9),
	}, ix)

	require.Len(t, p.Writes, 3)
	assert.Equal(t, ActionCreate, p.Writes[0].Action)
	assert.Equal(t, "ex-3", p.Writes[0].Source.ID)
	assert.Equal(t, ActionUpdate, p.Writes[1].Action)
	assert.Equal(t, "g-2", p.Writes[1].Existing.ID)
	assert.Equal(t, ActionCreate, p.Writes[2].Action)
	assert.Empty(t, p.Deletes)
}
