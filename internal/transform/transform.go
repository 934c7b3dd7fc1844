package transform

import (
	"errors"
	"fmt"
	"time"

	"ex2gcal/internal/model"
)

// Sanitizer cleans an HTML fragment. Implementations must tolerate
// truncated or unbalanced markup.
type Sanitizer interface {
	Sanitize(html string) string
}

var (
	ErrMissingID   = errors.New("source event has no identifier")
	ErrInvalidTime = errors.New("source event has an invalid start or end")
)

// Transformer maps source events to destination drafts for one run.
type Transformer struct {
	titlePrefix string
	timezone    string
	loc         *time.Location
	sanitizer   Sanitizer
}

// New returns a Transformer that prefixes summaries with titlePrefix and
// labels timestamps with the IANA zone timezone.
func New(titlePrefix, timezone string, sanitizer Sanitizer) (*Transformer, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("transform: load timezone %q: %w", timezone, err)
	}
	if sanitizer == nil {
		return nil, errors.New("transform: sanitizer is nil")
	}
	return &Transformer{
		titlePrefix: titlePrefix,
		timezone:    timezone,
		loc:         loc,
		sanitizer:   sanitizer,
	}, nil
}

// Transform builds the draft for ev. The body is truncated before it is
// sanitized, so the sanitizer may see a cut-off tag at the boundary.
// Timestamps are cut to whole seconds, the destination's precision.
func (t *Transformer) Transform(ev model.SourceEvent) (model.Draft, error) {
	if ev.ID == "" {
		return model.Draft{}, ErrMissingID
	}
	if ev.Start.IsZero() || ev.End.IsZero() {
		return model.Draft{}, fmt.Errorf("%w: start=%v end=%v", ErrInvalidTime, ev.Start, ev.End)
	}

	return model.Draft{
		Summary:     t.titlePrefix + truncate(ev.Subject, model.MaxSummaryLength),
		Description: t.sanitizer.Sanitize(truncate(ev.Body, model.MaxDescriptionLength)),
		Start:       ev.Start.Truncate(time.Second).In(t.loc),
		End:         ev.End.Truncate(time.Second).In(t.loc),
		TimeZone:    t.timezone,
		Reminders: []model.Reminder{
			{Method: model.ReminderMethod, Minutes: model.ReminderMinutes},
		},
		Transparency: model.TransparencyOpaque,
		OwnershipTag: ev.ID,
	}, nil
}

// truncate cuts s to at most n characters (runes, not bytes).
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
