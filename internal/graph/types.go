package graph

import (
	"strings"
	"time"

	"github.com/mailwatch/phish-triage/internal/analysis"
)

// emailAddress is the provider's nested address shape.
type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type wireAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"isInline"`
}

// wireMessage is the provider message resource, limited to the properties the
// pipeline selects.
type wireMessage struct {
	ID                     string           `json:"id"`
	InternetMessageID      string           `json:"internetMessageId"`
	Subject                string           `json:"subject"`
	From                   *recipient       `json:"from"`
	ToRecipients           []recipient      `json:"toRecipients"`
	ReceivedDateTime       time.Time        `json:"receivedDateTime"`
	Body                   itemBody         `json:"body"`
	InternetMessageHeaders []messageHeader  `json:"internetMessageHeaders"`
	HasAttachments         bool             `json:"hasAttachments"`
	Attachments            []wireAttachment `json:"attachments"`
}

type messageList struct {
	Value    []wireMessage `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// toMessage converts the wire form into the pipeline's provider-neutral
// Message. Header order is preserved as received.
func (m *wireMessage) toMessage() *analysis.Message {
	out := &analysis.Message{
		ID:         m.ID,
		MessageID:  m.InternetMessageID,
		Subject:    m.Subject,
		ReceivedAt: m.ReceivedDateTime,
		Body:       m.Body.Content,
		BodyIsHTML: strings.EqualFold(m.Body.ContentType, "html"),
	}
	if m.From != nil {
		out.From = m.From.EmailAddress.Address
		out.FromName = m.From.EmailAddress.Name
	}
	if len(m.ToRecipients) > 0 {
		out.To = m.ToRecipients[0].EmailAddress.Address
	}
	for _, h := range m.InternetMessageHeaders {
		out.Headers = append(out.Headers, analysis.Header{Name: h.Name, Value: h.Value})
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, analysis.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
			Inline:      a.IsInline,
		})
	}
	return out
}

// OutgoingMail is what the reply dispatcher hands to SendMail.
type OutgoingMail struct {
	To       string
	Subject  string
	HTMLBody string
}

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject      string      `json:"subject"`
	Body         itemBody    `json:"body"`
	ToRecipients []recipient `json:"toRecipients"`
}

// Subscription is the push-notification registration held by the lifecycle
// manager.
type Subscription struct {
	ID        string    `json:"id"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expirationDateTime"`
}

// SubscriptionRequest carries the fields for creating a push subscription.
type SubscriptionRequest struct {
	Resource        string
	NotificationURL string
	ClientState     string
	ExpiresAt       time.Time
}

type subscriptionPayload struct {
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}
