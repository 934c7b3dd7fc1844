package gcal

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"ex2gcal/internal/model"
)

func toAPI(d model.Draft) *calendar.Event {
	overrides := make([]*calendar.EventReminder, 0, len(d.Reminders))
	for _, r := range d.Reminders {
		overrides = append(overrides, &calendar.EventReminder{Method: r.Method, Minutes: r.Minutes})
	}

	return &calendar.Event{
		Summary:     d.Summary,
		Description: d.Description,
		Start: &calendar.EventDateTime{
			DateTime: d.Start.Format(time.RFC3339),
			TimeZone: d.TimeZone,
		},
		End: &calendar.EventDateTime{
			DateTime: d.End.Format(time.RFC3339),
			TimeZone: d.TimeZone,
		},
		Reminders: &calendar.EventReminders{
			UseDefault: false,
			Overrides:  overrides,
			// UseDefault=false must be sent explicitly or the calendar
			// default applies.
			ForceSendFields: []string{"UseDefault"},
		},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{model.OwnershipKey: d.OwnershipTag},
		},
		Transparency: d.Transparency,
	}
}

func fromAPI(e *calendar.Event) model.DestinationEvent {
	ev := model.DestinationEvent{
		ID:          e.Id,
		HTMLLink:    e.HtmlLink,
		Summary:     e.Summary,
		Description: e.Description,
		Start:       eventTime(e.Start),
		End:         eventTime(e.End),
	}
	if e.ExtendedProperties != nil {
		ev.OwnershipTag = e.ExtendedProperties.Private[model.OwnershipKey]
	}
	return ev
}

func eventTime(t *calendar.EventDateTime) model.EventTime {
	if t == nil {
		return model.EventTime{}
	}
	return model.EventTime{DateTime: t.DateTime, Date: t.Date, TimeZone: t.TimeZone}
}
