package model

import (
	"errors"
	"time"
)

// OwnershipKey is the private extended-property key under which a destination
// event records the identifier of the source event it was copied from.
const OwnershipKey = "exchangeId"

// Limits applied by the destination service to free-text fields.
const (
	MaxSummaryLength     = 1024
	MaxDescriptionLength = 8192
)

// Fixed presentation attributes of every copied event.
const (
	ReminderMethod     = "popup"
	ReminderMinutes    = 10
	TransparencyOpaque = "opaque"
)

// SourceEvent is a single concrete occurrence read from the source calendar.
type SourceEvent struct {
	// ID is stable across runs and assigned by the source service.
	ID string

	Subject string
	Body    string // HTML, may be empty

	Start time.Time
	End   time.Time
}

// Reminder is a single reminder override on a destination event.
type Reminder struct {
	Method  string
	Minutes int64
}

// Draft is the destination representation of a SourceEvent before it is
// written. Drafts are always produced with a non-empty OwnershipTag.
type Draft struct {
	Summary     string
	Description string

	// Start / End are already converted into the run's zone; TimeZone is the
	// IANA name sent alongside them.
	Start    time.Time
	End      time.Time
	TimeZone string

	Reminders    []Reminder
	Transparency string

	OwnershipTag string
}

// EventTime is a timestamp as stored by the destination service. DateTime is
// kept verbatim so that comparisons parse it instead of comparing strings.
type EventTime struct {
	DateTime string
	Date     string // all-day events only
	TimeZone string
}

// ErrNoDateTime is returned by EventTime.Instant for date-only timestamps.
var ErrNoDateTime = errors.New("event time has no date-time component")

// Instant parses the stored RFC3339 date-time.
func (t EventTime) Instant() (time.Time, error) {
	if t.DateTime == "" {
		return time.Time{}, ErrNoDateTime
	}
	return time.Parse(time.RFC3339, t.DateTime)
}

// DestinationEvent is an event as listed from, or returned by, the
// destination calendar.
type DestinationEvent struct {
	ID       string
	HTMLLink string

	Summary     string
	Description string

	Start EventTime
	End   EventTime

	// OwnershipTag is read from the private extended properties; empty for
	// events this job did not create.
	OwnershipTag string
}

// Page is one page of a destination listing.
type Page struct {
	Events        []DestinationEvent
	NextPageToken string
}
