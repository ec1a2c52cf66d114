// Package guard implements the ordered admission checks that run before a
// reported message gets any expensive processing. Checks evaluate first-match:
// an earlier denial shadows everything after it, and no check performs I/O.
package guard

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mailwatch/phish-triage/internal/analysis"
)

// Denial reasons, used as metric labels and log fields.
const (
	ReasonMissingSender      = "missing-sender"
	ReasonMissingMessageID   = "missing-message-id"
	ReasonDuplicateMessageID = "duplicate-message-id"
	ReasonSelfSender         = "self-sender-detected"
	ReasonNotAllowlisted     = "sender-not-allowlisted"
	ReasonAutoResponder      = "auto-responder-detected"
)

// Decision is the outcome of the chain for one message.
type Decision struct {
	Allowed bool
	Reason  string
}

// Config carries the static inputs of the chain. MailboxAddress is the
// monitored inbox; the allowlists come from configuration and may be empty.
type Config struct {
	MailboxAddress string
	AllowedEmails  []string
	AllowedDomains []string
	Production     bool
}

// Chain evaluates the admission checks in a fixed order. Safe for
// concurrent use.
type Chain struct {
	mailbox       string
	mailboxLocal  string
	mailboxDomain string

	allowedEmails  map[string]struct{}
	allowedDomains []string
	production     bool

	seen *messageIDCache
}

// NewChain normalises the configured addresses and returns a ready chain.
func NewChain(cfg Config) *Chain {
	mailbox := strings.ToLower(strings.TrimSpace(cfg.MailboxAddress))
	local, domain, _ := splitAddress(mailbox)

	emails := make(map[string]struct{}, len(cfg.AllowedEmails))
	for _, e := range cfg.AllowedEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			emails[e] = struct{}{}
		}
	}
	domains := make([]string, 0, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, "@")))
		if d != "" {
			domains = append(domains, d)
		}
	}

	return &Chain{
		mailbox:        mailbox,
		mailboxLocal:   local,
		mailboxDomain:  domain,
		allowedEmails:  emails,
		allowedDomains: domains,
		production:     cfg.Production,
		seen:           newMessageIDCache(time.Now),
	}
}

// Admit runs the checks in order and returns the first denial, or an
// allowed decision. The message id is recorded as seen on its first pass,
// so re-submitting the same message is denied as a duplicate even when a
// later check rejected the first attempt.
func (c *Chain) Admit(msg *analysis.Message) Decision {
	sender := strings.ToLower(strings.TrimSpace(msg.From))
	if sender == "" {
		return Decision{Reason: ReasonMissingSender}
	}

	id := strings.TrimSpace(msg.PrimaryID())
	if id == "" {
		return Decision{Reason: ReasonMissingMessageID}
	}
	if !c.seen.firstSeen(id) {
		return Decision{Reason: ReasonDuplicateMessageID}
	}

	if c.isSelfSender(sender) {
		return Decision{Reason: ReasonSelfSender}
	}
	if !c.senderAllowed(sender) {
		return Decision{Reason: ReasonNotAllowlisted}
	}
	if c.isAutoResponder(sender, msg.Headers) {
		return Decision{Reason: ReasonAutoResponder}
	}

	return Decision{Allowed: true}
}

// isSelfSender catches replies the service itself (or a sibling mailbox like
// phishing-noreply@) would generate: an exact mailbox match, or the same
// domain with a local part extending the mailbox local part.
func (c *Chain) isSelfSender(sender string) bool {
	if c.mailbox == "" {
		return false
	}
	if sender == c.mailbox {
		return true
	}
	local, domain, ok := splitAddress(sender)
	if !ok || domain != c.mailboxDomain {
		return false
	}
	return strings.HasPrefix(local, c.mailboxLocal)
}

func (c *Chain) senderAllowed(sender string) bool {
	if len(c.allowedEmails) == 0 && len(c.allowedDomains) == 0 {
		// No allowlist configured: open in development, closed in production.
		return !c.production
	}
	if _, ok := c.allowedEmails[sender]; ok {
		return true
	}
	_, domain, ok := splitAddress(sender)
	if !ok {
		return false
	}
	for _, allowed := range c.allowedDomains {
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return true
		}
	}
	return false
}

var (
	autoSubmittedRe    = regexp.MustCompile(`(?i)auto-replied|auto-generated|auto-notified`)
	precedenceRe       = regexp.MustCompile(`(?i)bulk|junk|auto_reply`)
	responseSuppressRe = regexp.MustCompile(`(?i)all|dr|autoreply`)
)

func (c *Chain) isAutoResponder(sender string, headers []analysis.Header) bool {
	if containsDaemonAddress(sender) {
		return true
	}
	for _, h := range headers {
		if containsDaemonAddress(h.Value) {
			return true
		}
		switch strings.ToLower(h.Name) {
		case "auto-submitted":
			if autoSubmittedRe.MatchString(h.Value) {
				return true
			}
		case "precedence":
			if precedenceRe.MatchString(h.Value) {
				return true
			}
		case "x-auto-response-suppress":
			if responseSuppressRe.MatchString(h.Value) {
				return true
			}
		}
	}
	return false
}

func containsDaemonAddress(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "mailer-daemon") || strings.Contains(s, "postmaster")
}

func splitAddress(addr string) (local, domain string, ok bool) {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", false
	}
	return addr[:at], addr[at+1:], true
}

const (
	maxTrackedIDs = 5000
	trackedIDTTL  = 24 * time.Hour
)

// messageIDCache remembers which message ids passed through recently. It is
// bounded: when full it drops expired entries first and then the oldest one,
// so a burst of unique ids cannot grow it past maxTrackedIDs.
type messageIDCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func newMessageIDCache(now func() time.Time) *messageIDCache {
	return &messageIDCache{
		seen: make(map[string]time.Time),
		now:  now,
	}
}

// firstSeen records id and reports whether this is its first appearance
// within the TTL window.
func (c *messageIDCache) firstSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if ts, ok := c.seen[id]; ok && now.Sub(ts) < trackedIDTTL {
		return false
	}

	if len(c.seen) >= maxTrackedIDs {
		c.pruneLocked(now)
		if len(c.seen) >= maxTrackedIDs {
			c.evictOldestLocked()
		}
	}

	c.seen[id] = now
	return true
}

func (c *messageIDCache) pruneLocked(now time.Time) {
	for id, ts := range c.seen {
		if now.Sub(ts) >= trackedIDTTL {
			delete(c.seen, id)
		}
	}
}

func (c *messageIDCache) evictOldestLocked() {
	var oldestID string
	var oldestTS time.Time
	for id, ts := range c.seen {
		if oldestID == "" || ts.Before(oldestTS) {
			oldestID = id
			oldestTS = ts
		}
	}
	if oldestID != "" {
		delete(c.seen, oldestID)
	}
}
