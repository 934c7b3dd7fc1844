// Package gcal implements the destination calendar on top of the Google
// Calendar v3 API.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"ex2gcal/internal/model"
)

// DefaultCalendarID addresses the authorized user's main calendar.
const DefaultCalendarID = "primary"

const defaultMaxTries = 4

// APIError carries the operation and the event it concerned.
type APIError struct {
	Op      string
	EventID string
	Summary string
	Err     error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("gcal: ")
	b.WriteString(e.Op)
	if e.EventID != "" {
		fmt.Fprintf(&b, " id=%s", e.EventID)
	}
	if e.Summary != "" {
		fmt.Fprintf(&b, " summary=%q", e.Summary)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status reported by the API, or 0.
func (e *APIError) StatusCode() int {
	var gerr *googleapi.Error
	if errors.As(e.Err, &gerr) {
		return gerr.Code
	}
	return 0
}

// Client reads and writes events of a single calendar.
type Client struct {
	svc        *calendar.Service
	calendarID string
	newBackOff func() backoff.BackOff
	maxTries   uint
}

// Option configures a Client.
type Option func(*Client)

// WithBackOff sets the retry schedule used for listing.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// WithMaxTries caps listing attempts per page.
func WithMaxTries(n uint) Option {
	return func(c *Client) { c.maxTries = n }
}

// NewService builds a Calendar API service issuing requests with httpClient.
func NewService(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*calendar.Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create calendar service: %w", err)
	}
	return svc, nil
}

// New returns a Client for calendarID ("primary" when empty).
func New(svc *calendar.Service, calendarID string, opts ...Option) *Client {
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}
	c := &Client{
		svc:        svc,
		calendarID: calendarID,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		maxTries:   defaultMaxTries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns one page of single (expanded) events intersecting
// [start, end], ordered by start time. Listing is idempotent, so transient
// failures are retried.
func (c *Client) List(ctx context.Context, start, end time.Time, pageToken string) (model.Page, error) {
	call := c.svc.Events.List(c.calendarID).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	res, err := backoff.Retry(ctx, func() (*calendar.Events, error) {
		res, err := call.Do()
		if err != nil {
			if !retryable(ctx, err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return model.Page{}, &APIError{Op: "list", Err: err}
	}

	page := model.Page{
		Events:        make([]model.DestinationEvent, 0, len(res.Items)),
		NextPageToken: res.NextPageToken,
	}
	for _, item := range res.Items {
		page.Events = append(page.Events, fromAPI(item))
	}
	return page, nil
}

// Create inserts a new event built from d.
func (c *Client) Create(ctx context.Context, d model.Draft) (model.DestinationEvent, error) {
	created, err := c.svc.Events.Insert(c.calendarID, toAPI(d)).Context(ctx).Do()
	if err != nil {
		return model.DestinationEvent{}, &APIError{Op: "insert", Summary: d.Summary, Err: err}
	}
	return fromAPI(created), nil
}

// Update replaces every field of event id with d.
func (c *Client) Update(ctx context.Context, id string, d model.Draft) (model.DestinationEvent, error) {
	updated, err := c.svc.Events.Update(c.calendarID, id, toAPI(d)).Context(ctx).Do()
	if err != nil {
		return model.DestinationEvent{}, &APIError{Op: "update", EventID: id, Summary: d.Summary, Err: err}
	}
	return fromAPI(updated), nil
}

// Delete removes event id. An event that is already gone counts as deleted:
// 410 while it sits in the trash, 404 once the trash has been emptied.
func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.svc.Events.Delete(c.calendarID, id).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusGone || gerr.Code == http.StatusNotFound) {
			return nil
		}
		return &APIError{Op: "delete", EventID: id, Err: err}
	}
	return nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// Transport-level failure.
		return true
	}
	switch gerr.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	case http.StatusForbidden:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}
