package ews

import (
	"bytes"
	"encoding/xml"
	"strings"
	"text/template"
	"time"
)

const (
	soapEnvelopeStart = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
  xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
  xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
  <soap:Header><t:RequestServerVersion Version="Exchange2013_SP1"/></soap:Header>
  <soap:Body>`
	soapEnvelopeEnd = `
  </soap:Body>
</soap:Envelope>`
)

var requestTemplates = template.Must(template.New("ews").Funcs(template.FuncMap{
	"x":   xmlEscape,
	"utc": func(t time.Time) string { return t.UTC().Format(ewsTimeLayout) },
}).Parse(`
{{define "findItem"}}
    <m:FindItem Traversal="Shallow">
      <m:ItemShape>
        <t:BaseShape>IdOnly</t:BaseShape>
        <t:AdditionalProperties>
          <t:FieldURI FieldURI="item:Subject"/>
          <t:FieldURI FieldURI="calendar:Start"/>
          <t:FieldURI FieldURI="calendar:End"/>
        </t:AdditionalProperties>
      </m:ItemShape>
      <m:CalendarView StartDate="{{utc .Start}}" EndDate="{{utc .End}}" MaxEntriesReturned="{{.MaxEntries}}"/>
      <m:ParentFolderIds>
        <t:DistinguishedFolderId Id="calendar">
          {{- if .Mailbox}}<t:Mailbox><t:EmailAddress>{{x .Mailbox}}</t:EmailAddress></t:Mailbox>{{end -}}
        </t:DistinguishedFolderId>
      </m:ParentFolderIds>
    </m:FindItem>
{{- end}}
{{define "getItem"}}
    <m:GetItem>
      <m:ItemShape>
        <t:BaseShape>IdOnly</t:BaseShape>
        <t:BodyType>HTML</t:BodyType>
        <t:AdditionalProperties>
          <t:FieldURI FieldURI="item:Subject"/>
          <t:FieldURI FieldURI="item:Body"/>
          <t:FieldURI FieldURI="calendar:Start"/>
          <t:FieldURI FieldURI="calendar:End"/>
        </t:AdditionalProperties>
      </m:ItemShape>
      <m:ItemIds>
        {{- range .}}
        <t:ItemId Id="{{x .ID}}"{{if .ChangeKey}} ChangeKey="{{x .ChangeKey}}"{{end}}/>
        {{- end}}
      </m:ItemIds>
    </m:GetItem>
{{- end}}
`))

const ewsTimeLayout = "2006-01-02T15:04:05Z"

type findItemParams struct {
	Start, End time.Time
	Mailbox    string
	MaxEntries int
}

func render(name string, data any) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(soapEnvelopeStart)
	if err := requestTemplates.ExecuteTemplate(&b, name, data); err != nil {
		return nil, err
	}
	b.WriteString(soapEnvelopeEnd)
	return b.Bytes(), nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// Response decoding matches on local names; namespaces are ignored.

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

type responseStatus struct {
	ResponseClass string `xml:"ResponseClass,attr"`
	ResponseCode  string `xml:"ResponseCode"`
	MessageText   string `xml:"MessageText"`
}

type itemID struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr"`
}

type itemBody struct {
	BodyType string `xml:"BodyType,attr"`
	Content  string `xml:",chardata"`
}

type calendarItem struct {
	ItemID  itemID   `xml:"ItemId"`
	Subject string   `xml:"Subject"`
	Body    itemBody `xml:"Body"`
	Start   string   `xml:"Start"`
	End     string   `xml:"End"`
}

type rootFolder struct {
	TotalItemsInView        int            `xml:"TotalItemsInView,attr"`
	IncludesLastItemInRange string         `xml:"IncludesLastItemInRange,attr"`
	Items                   []calendarItem `xml:"Items>CalendarItem"`
}

type findItemMessage struct {
	responseStatus
	RootFolder rootFolder `xml:"RootFolder"`
}

type findItemEnvelope struct {
	XMLName  xml.Name          `xml:"Envelope"`
	Fault    *soapFault        `xml:"Body>Fault"`
	Messages []findItemMessage `xml:"Body>FindItemResponse>ResponseMessages>FindItemResponseMessage"`
}

type getItemMessage struct {
	responseStatus
	Items []calendarItem `xml:"Items>CalendarItem"`
}

type getItemEnvelope struct {
	XMLName  xml.Name         `xml:"Envelope"`
	Fault    *soapFault       `xml:"Body>Fault"`
	Messages []getItemMessage `xml:"Body>GetItemResponse>ResponseMessages>GetItemResponseMessage"`
}
