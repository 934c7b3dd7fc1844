package ews

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "ex2gcal/internal/log"
)

const findItemReply = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <m:FindItemResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages"
        xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types">
      <m:ResponseMessages>
        <m:FindItemResponseMessage ResponseClass="Success">
          <m:ResponseCode>NoError</m:ResponseCode>
          <m:RootFolder TotalItemsInView="2" IncludesLastItemInRange="true">
            <t:Items>
              <t:CalendarItem>
                <t:ItemId Id="AAMk-2" ChangeKey="ck2"/>
                <t:Subject>Review</t:Subject>
                <t:Start>2025-03-10T13:00:00Z</t:Start>
                <t:End>2025-03-10T14:00:00Z</t:End>
              </t:CalendarItem>
              <t:CalendarItem>
                <t:ItemId Id="AAMk-1" ChangeKey="ck1"/>
                <t:Subject>Planning</t:Subject>
                <t:Start>2025-03-10T08:00:00Z</t:Start>
                <t:End>2025-03-10T09:00:00Z</t:End>
              </t:CalendarItem>
            </t:Items>
          </m:RootFolder>
        </m:FindItemResponseMessage>
      </m:ResponseMessages>
    </m:FindItemResponse>
  </s:Body>
</s:Envelope>`

const getItemReply = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <m:GetItemResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages"
        xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types">
      <m:ResponseMessages>
        <m:GetItemResponseMessage ResponseClass="Success">
          <m:ResponseCode>NoError</m:ResponseCode>
          <m:Items>
            <t:CalendarItem>
              <t:ItemId Id="AAMk-2" ChangeKey="ck2"/>
              <t:Subject>Review</t:Subject>
              <t:Body BodyType="HTML">&lt;p&gt;Slides&lt;/p&gt;</t:Body>
              <t:Start>2025-03-10T13:00:00Z</t:Start>
              <t:End>2025-03-10T14:00:00Z</t:End>
            </t:CalendarItem>
          </m:Items>
        </m:GetItemResponseMessage>
        <m:GetItemResponseMessage ResponseClass="Success">
          <m:ResponseCode>NoError</m:ResponseCode>
          <m:Items>
            <t:CalendarItem>
              <t:ItemId Id="AAMk-1" ChangeKey="ck1"/>
              <t:Subject>Planning</t:Subject>
              <t:Body BodyType="HTML"></t:Body>
              <t:Start>2025-03-10T08:00:00Z</t:Start>
              <t:End>2025-03-10T09:00:00Z</t:End>
            </t:CalendarItem>
          </m:Items>
        </m:GetItemResponseMessage>
      </m:ResponseMessages>
    </m:GetItemResponse>
  </s:Body>
</s:Envelope>`

const errorReply = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <m:FindItemResponse xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
      <m:ResponseMessages>
        <m:FindItemResponseMessage ResponseClass="Error">
          <m:MessageText>The specified folder could not be found in the store.</m:MessageText>
          <m:ResponseCode>ErrorFolderNotFound</m:ResponseCode>
        </m:FindItemResponseMessage>
      </m:ResponseMessages>
    </m:FindItemResponse>
  </s:Body>
</s:Envelope>`

var (
	windowStart = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2025, 3, 10, 23, 59, 59, 0, time.UTC)
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return New(srv.URL+"/EWS/Exchange.asmx", "jane@example.com", "hunter2",
		WithHTTPClient(srv.Client()),
		WithLocation(time.UTC),
		WithLogger(appLog.Discard()),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
}

func soapAction(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("SOAPAction"), soapActionPrefix)
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://outlook.office365.com/EWS/Exchange.asmx", Endpoint("outlook.office365.com"))
	assert.Equal(t, "http://127.0.0.1:8080/ews", Endpoint("http://127.0.0.1:8080/ews"))
}

func TestClient_FetchEvents(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "jane@example.com", user)
		assert.Equal(t, "hunter2", pass)

		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		body := string(raw)

		switch soapAction(r) {
		case "FindItem":
			assert.Contains(t, body, `StartDate="2025-03-10T00:00:00Z"`)
			assert.Contains(t, body, `EndDate="2025-03-10T23:59:59Z"`)
			assert.Contains(t, body, `<t:EmailAddress>jane@example.com</t:EmailAddress>`)
			_, _ = io.WriteString(w, findItemReply)
		case "GetItem":
			assert.Contains(t, body, `<t:BodyType>HTML</t:BodyType>`)
			assert.Contains(t, body, `Id="AAMk-1" ChangeKey="ck1"`)
			assert.Contains(t, body, `Id="AAMk-2" ChangeKey="ck2"`)
			_, _ = io.WriteString(w, getItemReply)
		default:
			http.Error(w, "unexpected action", http.StatusBadRequest)
		}
	})

	events, err := c.FetchEvents(context.Background(), windowStart, windowEnd)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "AAMk-1", events[0].ID)
	assert.Equal(t, "Planning", events[0].Subject)
	assert.Empty(t, events[0].Body)
	assert.True(t, events[0].Start.Equal(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)))

	assert.Equal(t, "AAMk-2", events[1].ID)
	assert.Equal(t, "<p>Slides</p>", events[1].Body)
	assert.True(t, events[1].End.Equal(time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)))
}

func TestClient_TruncatedViewFails(t *testing.T) {
	t.Parallel()

	truncated := strings.Replace(findItemReply,
		`TotalItemsInView="2" IncludesLastItemInRange="true"`,
		`TotalItemsInView="1500" IncludesLastItemInRange="false"`, 1)

	var getItemCalls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if soapAction(r) == "GetItem" {
			getItemCalls.Add(1)
			_, _ = io.WriteString(w, getItemReply)
			return
		}
		_, _ = io.WriteString(w, truncated)
	})

	events, err := c.FetchEvents(context.Background(), windowStart, windowEnd)
	assert.Nil(t, events)

	var rerr *ResponseError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "FindItem", rerr.Op)
	assert.Equal(t, "CalendarViewTruncated", rerr.Code)
	assert.Contains(t, rerr.Message, "2 of 1500")
	assert.Zero(t, getItemCalls.Load())
}

func TestClient_RetriesServerBusy(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if soapAction(r) == "FindItem" {
			_, _ = io.WriteString(w, strings.Replace(findItemReply, `TotalItemsInView="2"`, `TotalItemsInView="0"`, 1))
			return
		}
		_, _ = io.WriteString(w, getItemReply)
	})

	events, err := c.FetchEvents(context.Background(), windowStart, windowEnd)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_UnauthorizedIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.FetchEvents(context.Background(), windowStart, windowEnd)
	var herr *HTTPError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, http.StatusUnauthorized, herr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ResponseClassError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, errorReply)
	})

	_, err := c.FetchEvents(context.Background(), windowStart, windowEnd)
	var rerr *ResponseError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "ErrorFolderNotFound", rerr.Code)
}

func TestClient_SOAPFaultNotRetried(t *testing.T) {
	t.Parallel()

	const fault = `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault>
<faultcode>a:ErrorSchemaValidation</faultcode><faultstring>The request failed schema validation.</faultstring>
<detail><e:ResponseCode xmlns:e="http://schemas.microsoft.com/exchange/services/2006/errors">ErrorSchemaValidation</e:ResponseCode></detail>
</s:Fault></s:Body></s:Envelope>`

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, fault)
	})

	_, err := c.FetchEvents(context.Background(), windowStart, windowEnd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ErrorSchemaValidation")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRender_EscapesValues(t *testing.T) {
	t.Parallel()

	out, err := render("getItem", []itemID{{ID: `a"<b>&`, ChangeKey: ""}})
	require.NoError(t, err)
	assert.Contains(t, string(out), `Id="a&#34;&lt;b&gt;&amp;"`)
	assert.NotContains(t, string(out), "ChangeKey")
}
