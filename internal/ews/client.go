// Package ews reads calendar occurrences from an Exchange mailbox through
// Exchange Web Services.
package ews

import (
	"bytes"
	"cmp"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	appLog "ex2gcal/internal/log"
	"ex2gcal/internal/model"
)

const (
	defaultMaxTries   = 4
	defaultBatchSize  = 100
	defaultMaxEntries = 1000
	maxResponseBytes  = 64 << 20

	soapActionPrefix = "http://schemas.microsoft.com/exchange/services/2006/messages/"
)

// HTTPError is a non-200 reply from the EWS endpoint.
type HTTPError struct {
	Op         string
	StatusCode int
	Fault      string
}

func (e *HTTPError) Error() string {
	if e.Fault != "" {
		return fmt.Sprintf("ews: %s: http %d: %s", e.Op, e.StatusCode, e.Fault)
	}
	return fmt.Sprintf("ews: %s: http %d", e.Op, e.StatusCode)
}

// ResponseError is an EWS response message with ResponseClass="Error".
type ResponseError struct {
	Op      string
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("ews: %s: %s: %s", e.Op, e.Code, e.Message)
}

// Client fetches the occurrences of one mailbox's default calendar.
type Client struct {
	endpoint string
	username string
	password string
	mailbox  string

	http       *http.Client
	loc        *time.Location
	logger     *appLog.Logger
	newBackOff func() backoff.BackOff
	maxTries   uint
	batchSize  int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLocation sets the zone returned events are expressed in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(l *appLog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBackOff sets the retry schedule for requests.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// WithMaxTries caps attempts per request.
func WithMaxTries(n uint) Option {
	return func(c *Client) { c.maxTries = n }
}

// Endpoint returns the EWS URL for server. A value with a scheme is used
// unchanged; a bare host gets the standard Exchange.asmx path.
func Endpoint(server string) string {
	if strings.Contains(server, "://") {
		return server
	}
	return "https://" + strings.TrimSuffix(server, "/") + "/EWS/Exchange.asmx"
}

// New returns a Client authenticating as email with basic auth.
func New(server, email, password string, opts ...Option) *Client {
	c := &Client{
		endpoint:   Endpoint(server),
		username:   email,
		password:   password,
		mailbox:    email,
		http:       &http.Client{Timeout: 60 * time.Second},
		loc:        time.Local,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		maxTries:   defaultMaxTries,
		batchSize:  defaultBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchEvents returns every occurrence overlapping [start, end] with its
// HTML body, ordered by start time. Recurring series are expanded by the
// server.
func (c *Client) FetchEvents(ctx context.Context, start, end time.Time) ([]model.SourceEvent, error) {
	ids, err := c.findItems(ctx, start, end)
	if err != nil {
		return nil, err
	}

	events := make([]model.SourceEvent, 0, len(ids))
	for batch := range slices.Chunk(ids, c.batchSize) {
		items, err := c.getItems(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			ev, err := c.toSourceEvent(item)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
	}

	slices.SortStableFunc(events, func(a, b model.SourceEvent) int {
		return cmp.Compare(a.Start.UnixNano(), b.Start.UnixNano())
	})

	c.logger.Info("ews events loaded", "mailbox", c.mailbox, "count", len(events))
	return events, nil
}

func (c *Client) findItems(ctx context.Context, start, end time.Time) ([]itemID, error) {
	payload, err := render("findItem", findItemParams{
		Start:      start,
		End:        end,
		Mailbox:    c.mailbox,
		MaxEntries: defaultMaxEntries,
	})
	if err != nil {
		return nil, err
	}

	var env findItemEnvelope
	if err := c.call(ctx, "FindItem", payload, &env); err != nil {
		return nil, err
	}
	if env.Fault != nil {
		return nil, &ResponseError{Op: "FindItem", Code: env.Fault.Code, Message: env.Fault.String}
	}

	var ids []itemID
	for _, msg := range env.Messages {
		if err := msg.check("FindItem"); err != nil {
			return nil, err
		}
		// A cut-off view would turn every missing occurrence into a delete.
		if msg.RootFolder.IncludesLastItemInRange == "false" {
			text := fmt.Sprintf("view returned %d of %d items; shorten the sync window",
				len(msg.RootFolder.Items), msg.RootFolder.TotalItemsInView)
			return nil, &ResponseError{Op: "FindItem", Code: "CalendarViewTruncated", Message: text}
		}
		for _, item := range msg.RootFolder.Items {
			ids = append(ids, item.ItemID)
		}
	}
	c.logger.Debug("ews calendar view", "items", len(ids))
	return ids, nil
}

func (c *Client) getItems(ctx context.Context, ids []itemID) ([]calendarItem, error) {
	payload, err := render("getItem", ids)
	if err != nil {
		return nil, err
	}

	var env getItemEnvelope
	if err := c.call(ctx, "GetItem", payload, &env); err != nil {
		return nil, err
	}
	if env.Fault != nil {
		return nil, &ResponseError{Op: "GetItem", Code: env.Fault.Code, Message: env.Fault.String}
	}

	items := make([]calendarItem, 0, len(ids))
	for _, msg := range env.Messages {
		if err := msg.check("GetItem"); err != nil {
			return nil, err
		}
		items = append(items, msg.Items...)
	}
	return items, nil
}

func (s responseStatus) check(op string) error {
	if s.ResponseClass == "Error" {
		return &ResponseError{Op: op, Code: s.ResponseCode, Message: s.MessageText}
	}
	return nil
}

// call posts a SOAP request and decodes the reply into out. Both operations
// are reads, so transport failures, throttling and 5xx replies are retried.
func (c *Client) call(ctx context.Context, action string, payload []byte, out any) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		req.Header.Set("SOAPAction", soapActionPrefix+action)
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			c.logger.Warn("ews request failed, retrying", "op", action, "err", err)
			return struct{}{}, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return struct{}{}, err
		}

		if resp.StatusCode != http.StatusOK {
			herr := &HTTPError{Op: action, StatusCode: resp.StatusCode, Fault: faultString(body)}
			if retryableStatus(resp.StatusCode, herr.Fault) {
				c.logger.Warn("ews request rejected, retrying", "op", action, "status", resp.StatusCode)
				return struct{}{}, herr
			}
			return struct{}{}, backoff.Permanent(herr)
		}

		if err := xml.Unmarshal(body, out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("ews: %s: decode response: %w", action, err))
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))
	return err
}

// EWS reports SOAP faults with status 500; only a busy server is worth
// retrying among those.
func retryableStatus(code int, fault string) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	case http.StatusInternalServerError:
		return fault == "" || strings.Contains(fault, "ServerBusy")
	}
	return false
}

func faultString(body []byte) string {
	var env struct {
		Fault *struct {
			String       string `xml:"faultstring"`
			ResponseCode string `xml:"detail>ResponseCode"`
		} `xml:"Body>Fault"`
	}
	if err := xml.Unmarshal(body, &env); err != nil || env.Fault == nil {
		return ""
	}
	if env.Fault.ResponseCode != "" {
		return env.Fault.ResponseCode + ": " + env.Fault.String
	}
	return env.Fault.String
}

func (c *Client) toSourceEvent(item calendarItem) (model.SourceEvent, error) {
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(item.Start))
	if err != nil {
		return model.SourceEvent{}, fmt.Errorf("ews: item %s: start: %w", item.ItemID.ID, err)
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(item.End))
	if err != nil {
		return model.SourceEvent{}, fmt.Errorf("ews: item %s: end: %w", item.ItemID.ID, err)
	}

	return model.SourceEvent{
		ID:      item.ItemID.ID,
		Subject: item.Subject,
		Body:    item.Body.Content,
		Start:   start.In(c.loc),
		End:     end.In(c.loc),
	}, nil
}
