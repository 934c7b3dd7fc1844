package reconcile

import (
	"cmp"
	"slices"

	"ex2gcal/internal/model"
)

// Index maps ownership tags to the destination events carrying them. It is
// built once per run and shrinks as source events claim their entries; what
// remains after the main pass is the deletion set.
//
// An Index is not safe for concurrent use.
type Index struct {
	entries map[string]model.DestinationEvent

	// duplicates holds extra events carrying an already indexed tag. They can
	// never be claimed, which keeps at most one copy per source event.
	duplicates []model.DestinationEvent
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]model.DestinationEvent)}
}

// Add inserts ev under its ownership tag. Events without a tag are ignored
// and Add reports false.
func (ix *Index) Add(ev model.DestinationEvent) bool {
	if ev.OwnershipTag == "" {
		return false
	}
	if _, exists := ix.entries[ev.OwnershipTag]; exists {
		ix.duplicates = append(ix.duplicates, ev)
		return true
	}
	ix.entries[ev.OwnershipTag] = ev
	return true
}

// Claim removes and returns the entry for tag.
func (ix *Index) Claim(tag string) (model.DestinationEvent, bool) {
	ev, ok := ix.entries[tag]
	if ok {
		delete(ix.entries, tag)
	}
	return ev, ok
}

// Len returns the number of claimable entries.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Remaining returns every unclaimed entry plus any duplicates, ordered by
// start instant then destination id. Starts that do not parse (all-day
// dates) sort by their stored text after the timed ones.
func (ix *Index) Remaining() []model.DestinationEvent {
	out := make([]model.DestinationEvent, 0, len(ix.entries)+len(ix.duplicates))
	for _, ev := range ix.entries {
		out = append(out, ev)
	}
	out = append(out, ix.duplicates...)

	slices.SortFunc(out, func(a, b model.DestinationEvent) int {
		return cmp.Or(compareStart(a.Start, b.Start), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func compareStart(a, b model.EventTime) int {
	at, aerr := a.Instant()
	bt, berr := b.Instant()
	switch {
	case aerr == nil && berr == nil:
		return at.Compare(bt)
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return cmp.Compare(a.DateTime+a.Date, b.DateTime+b.Date)
}

// SkipSet holds subjects that are excluded from reconciliation by exact match.
type SkipSet map[string]struct{}

// NewSkipSet builds a SkipSet from subjects.
func NewSkipSet(subjects ...string) SkipSet {
	s := make(SkipSet, len(subjects))
	for _, subj := range subjects {
		s[subj] = struct{}{}
	}
	return s
}

// Contains reports whether subject is an exact member.
func (s SkipSet) Contains(subject string) bool {
	_, ok := s[subject]
	return ok
}
