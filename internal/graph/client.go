// Package graph is the mail-provider REST client: message listing and
// fetching for the pipeline, reply sending, and the push-subscription
// operations used by the lifecycle manager.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/mailwatch/phish-triage/internal/analysis"
	"github.com/mailwatch/phish-triage/internal/pkg/httpretry"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	defaultTimeout = 30 * time.Second
	defaultTop     = 25

	maxResponseBytes = 4 << 20

	messageSelect    = "id,internetMessageId,subject,from,toRecipients,receivedDateTime,body,internetMessageHeaders,hasAttachments"
	attachmentExpand = "attachments($select=name,contentType,size,isInline)"
)

// Config carries the GRAPH_* settings. TokenURL and BaseURL default to the
// public cloud endpoints.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	BaseURL      string
	TokenURL     string
	Timeout      time.Duration
}

// Client talks to the provider with an app-only token. All operations retry
// transient failures through the shared retrying HTTP client.
type Client struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewClient builds the client with a client-credentials token source. Tokens
// are cached and refreshed by the source; callers never see them.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	authed := cc.Client(context.Background())
	authed.Timeout = cfg.Timeout

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpretry.NewRetryClient(authed, 3),
	}
}

// ListMessages fetches messages received at or after since, oldest first,
// following pagination links up to maxPages pages of top messages each.
func (c *Client) ListMessages(ctx context.Context, mailbox string, since time.Time, top, maxPages int) ([]*analysis.Message, error) {
	if top <= 0 {
		top = defaultTop
	}
	if maxPages <= 0 {
		maxPages = 1
	}

	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$top", strconv.Itoa(top))
	params.Set("$select", messageSelect)
	params.Set("$expand", attachmentExpand)

	next := c.baseURL + "/users/" + url.PathEscape(mailbox) + "/messages?" + params.Encode()

	var out []*analysis.Message
	for page := 0; page < maxPages && next != ""; page++ {
		body, status, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}
		if status >= 300 {
			return nil, fmt.Errorf("listing messages: %s", statusError(status, body))
		}

		var list messageList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("parsing message list: %w", err)
		}
		for i := range list.Value {
			out = append(out, list.Value[i].toMessage())
		}
		next = list.NextLink
	}
	return out, nil
}

// GetMessage fetches one message by provider id, including headers and
// attachment descriptors.
func (c *Client) GetMessage(ctx context.Context, mailbox, id string) (*analysis.Message, error) {
	params := url.Values{}
	params.Set("$select", messageSelect)
	params.Set("$expand", attachmentExpand)

	body, err := c.doRequest(ctx, http.MethodGet,
		"/users/"+url.PathEscape(mailbox)+"/messages/"+url.PathEscape(id), params, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching message: %w", err)
	}

	var msg wireMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	return msg.toMessage(), nil
}

// SendMail sends an HTML mail from the mailbox. The provider acknowledges
// with 202 and no body.
func (c *Client) SendMail(ctx context.Context, mailbox string, mail OutgoingMail) error {
	payload := sendMailRequest{
		Message: sendMailMessage{
			Subject: mail.Subject,
			Body:    itemBody{ContentType: "HTML", Content: mail.HTMLBody},
			ToRecipients: []recipient{
				{EmailAddress: emailAddress{Address: mail.To}},
			},
		},
		SaveToSentItems: false,
	}
	if _, err := c.doRequest(ctx, http.MethodPost,
		"/users/"+url.PathEscape(mailbox)+"/sendMail", nil, payload); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

// CreateSubscription registers a push subscription for new messages.
func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error) {
	payload := subscriptionPayload{
		ChangeType:         "created",
		NotificationURL:    req.NotificationURL,
		Resource:           req.Resource,
		ExpirationDateTime: req.ExpiresAt.UTC().Format(time.RFC3339),
		ClientState:        req.ClientState,
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/subscriptions", nil, payload)
	if err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}

	var sub Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("parsing subscription: %w", err)
	}
	return &sub, nil
}

// RenewSubscription pushes the expiration of an existing subscription.
func (c *Client) RenewSubscription(ctx context.Context, id string, until time.Time) (*Subscription, error) {
	payload := subscriptionPayload{
		ExpirationDateTime: until.UTC().Format(time.RFC3339),
	}

	body, err := c.doRequest(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(id), nil, payload)
	if err != nil {
		return nil, fmt.Errorf("renewing subscription: %w", err)
	}

	var sub Subscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("parsing subscription: %w", err)
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription. A subscription the provider no
// longer knows about counts as deleted.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	body, status, err := c.do(ctx, http.MethodDelete, c.baseURL+"/subscriptions/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status >= 300 {
		return fmt.Errorf("deleting subscription: %s", statusError(status, body))
	}
	return nil
}

// CheckMailbox verifies the mailbox is reachable with the configured
// credentials. Used by the deep health check.
func (c *Client) CheckMailbox(ctx context.Context, mailbox string) error {
	params := url.Values{}
	params.Set("$select", "id")
	if _, err := c.doRequest(ctx, http.MethodGet, "/users/"+url.PathEscape(mailbox), params, nil); err != nil {
		return fmt.Errorf("checking mailbox: %w", err)
	}
	return nil
}

// doRequest builds a URL from the client base, executes, and treats any
// non-2xx status as an error.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, payload interface{}) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	body, status, err := c.do(ctx, method, fullURL, payload)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, statusError(status, body)
	}
	return body, nil
}

// do executes one request against an absolute URL and returns the raw body
// and status. Pagination links from the provider come back absolute, which is
// why this layer takes full URLs.
func (c *Client) do(ctx context.Context, method, fullURL string, payload interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func statusError(status int, body []byte) error {
	detail := string(body)
	if len(detail) > 300 {
		detail = detail[:300] + "..."
	}
	return fmt.Errorf("graph API error (status %d): %s", status, detail)
}
