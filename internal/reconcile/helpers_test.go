package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ex2gcal/internal/model"
	"ex2gcal/internal/sanitize"
	"ex2gcal/internal/transform"
)

var (
	windowStart = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2025, 3, 11, 23, 59, 59, 0, time.UTC)
)

// recordingReporter keeps every reported message.
type recordingReporter struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (r *recordingReporter) Info(msg string, _ ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, msg)
}

func (r *recordingReporter) Error(msg string, _ error, _ ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func newTransformer(t *testing.T) *transform.Transformer {
	t.Helper()
	tr, err := transform.New("", "UTC", sanitize.DefaultPolicy())
	require.NoError(t, err)
	return tr
}

func srcEvent(id, subject string, hour int) model.SourceEvent {
	return model.SourceEvent{
		ID:      id,
		Subject: subject,
		Body:    "<p>" + subject + " notes</p>",
		Start:   time.Date(2025, 3, 10, hour, 0, 0, 0, time.UTC),
		End:     time.Date(2025, 3, 10, hour+1, 0, 0, 0, time.UTC),
	}
}

// storedFrom mimics what the destination returns after writing d.
func storedFrom(id string, d model.Draft) model.DestinationEvent {
	return model.DestinationEvent{
		ID:           id,
		HTMLLink:     "https://calendar.example/event?eid=" + id,
		Summary:      d.Summary,
		Description:  d.Description,
		Start:        model.EventTime{DateTime: d.Start.Format(time.RFC3339), TimeZone: d.TimeZone},
		End:          model.EventTime{DateTime: d.End.Format(time.RFC3339), TimeZone: d.TimeZone},
		OwnershipTag: d.OwnershipTag,
	}
}

// memCalendar is an in-memory Destination that pages two events at a time.
type memCalendar struct {
	mu     sync.Mutex
	events map[string]model.DestinationEvent
	nextID int

	ops       []Action
	failOn    map[string]bool // destination id or ownership tag
	listFails bool
}

func newMemCalendar(seed ...model.DestinationEvent) *memCalendar {
	m := &memCalendar{events: make(map[string]model.DestinationEvent), failOn: make(map[string]bool)}
	for _, ev := range seed {
		m.events[ev.ID] = ev
	}
	return m
}

func (m *memCalendar) List(_ context.Context, _, _ time.Time, pageToken string) (model.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listFails {
		return model.Page{}, errors.New("list unavailable")
	}

	all := make([]model.DestinationEvent, 0, len(m.events))
	for _, ev := range m.events {
		all = append(all, ev)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	offset := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "off-%d", &offset); err != nil {
			return model.Page{}, err
		}
	}
	end := min(offset+2, len(all))
	page := model.Page{Events: all[offset:end]}
	if end < len(all) {
		page.NextPageToken = fmt.Sprintf("off-%d", end)
	}
	return page, nil
}

func (m *memCalendar) Create(_ context.Context, d model.Draft) (model.DestinationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops = append(m.ops, ActionCreate)
	if m.failOn[d.OwnershipTag] {
		return model.DestinationEvent{}, errors.New("create rejected")
	}
	m.nextID++
	ev := storedFrom(fmt.Sprintf("g%03d", m.nextID), d)
	m.events[ev.ID] = ev
	return ev, nil
}

func (m *memCalendar) Update(_ context.Context, id string, d model.Draft) (model.DestinationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops = append(m.ops, ActionUpdate)
	if m.failOn[id] {
		return model.DestinationEvent{}, errors.New("update rejected")
	}
	if _, ok := m.events[id]; !ok {
		return model.DestinationEvent{}, errors.New("not found")
	}
	ev := storedFrom(id, d)
	m.events[id] = ev
	return ev, nil
}

func (m *memCalendar) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops = append(m.ops, ActionDelete)
	if m.failOn[id] {
		return errors.New("delete rejected")
	}
	delete(m.events, id)
	return nil
}

func (m *memCalendar) opCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

func (m *memCalendar) tags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		out = append(out, ev.OwnershipTag)
	}
	sort.Strings(out)
	return out
}
