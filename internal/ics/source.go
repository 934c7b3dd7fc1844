// Package ics reads a published iCalendar feed and returns its concrete
// occurrences as source events.
package ics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"

	appLog "ex2gcal/internal/log"
	"ex2gcal/internal/model"
)

// Source serves source events from a single feed.
type Source struct {
	fetcher *Fetcher
	feed    Feed
	loc     *time.Location
	logger  *appLog.Logger
}

// NewSource returns a Source reading feedURL through fetcher. Occurrences are
// expressed in loc.
func NewSource(fetcher *Fetcher, feedURL string, loc *time.Location, logger *appLog.Logger) *Source {
	return &Source{
		fetcher: fetcher,
		feed:    Feed{ID: "ics", URL: feedURL},
		loc:     loc,
		logger:  logger,
	}
}

// FetchEvents returns every occurrence overlapping [start, end], ordered by
// start time. Any fetch or parse failure is returned as-is.
func (s *Source) FetchEvents(ctx context.Context, start, end time.Time) ([]model.SourceEvent, error) {
	res, err := s.fetcher.FetchOne(ctx, s.feed)
	if err != nil {
		return nil, err
	}

	parsed, err := ParseICS(s.feed, res.Body, s.logger)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	expanded, err := ExpandOccurrences(parsed, ExpandConfig{
		DisplayLocation: s.loc,
		RangeStart:      start,
		RangeEnd:        end,
	}, s.logger)
	if err != nil {
		return nil, err
	}

	events := make([]model.SourceEvent, 0, len(expanded.Occurrences))
	for _, occ := range expanded.Occurrences {
		events = append(events, toSourceEvent(occ))
	}

	s.logger.Info("ics events loaded",
		"feed", s.feed.ID,
		"from_cache", res.FromCache,
		"vevents", len(parsed),
		"occurrences", len(events),
	)
	return events, nil
}

// occurrenceID names an instance. Recurring instances get the UID plus their
// scheduled slot so that moving one instance updates it in place.
func occurrenceID(occ Occurrence) string {
	if !occ.Recurring {
		return occ.UID
	}
	return occ.UID + "/" + occ.Slot.UTC().Format(time.RFC3339)
}

func toSourceEvent(occ Occurrence) model.SourceEvent {
	return model.SourceEvent{
		ID:      occurrenceID(occ),
		Subject: occ.Summary,
		Body:    textToHTML(occ.Description),
		Start:   occ.Start,
		End:     occ.End,
	}
}

// textToHTML escapes a plain-text DESCRIPTION and keeps its line breaks.
func textToHTML(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>")
}
