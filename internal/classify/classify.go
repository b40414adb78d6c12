// Package classify turns raw automation failures into typed error events.
package classify

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cardpilot/internal/marketplace"
)

// ErrorType is the closed failure taxonomy.
type ErrorType string

const (
	Timeout   ErrorType = "TIMEOUT"
	Network   ErrorType = "NETWORK"
	Selector  ErrorType = "SELECTOR"
	Auth      ErrorType = "AUTH"
	Captcha   ErrorType = "CAPTCHA"
	RateLimit ErrorType = "RATE_LIMIT"
	API       ErrorType = "API"
	Unknown   ErrorType = "UNKNOWN"
)

// Types lists every ErrorType.
var Types = []ErrorType{Timeout, Network, Selector, Auth, Captcha, RateLimit, API, Unknown}

type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

// SeverityOf maps an error type to its severity. CAPTCHA is high because
// no automated resolver exists for it.
func SeverityOf(t ErrorType) Severity {
	switch t {
	case Auth:
		return Critical
	case Network, API, Captcha:
		return High
	case Timeout, Selector, RateLimit:
		return Medium
	default:
		return Low
	}
}

// Context describes where a failure happened.
type Context struct {
	Operation string `json:"operation"`
	Step      string `json:"step,omitempty"`
	Selector  string `json:"selector,omitempty"`
}

// Event is an immutable, classified failure.
type Event struct {
	ID            string    `json:"id"`
	PartnerID     string    `json:"partner_id"`
	MarketplaceID string    `json:"marketplace_id,omitempty"`
	JobID         string    `json:"job_id,omitempty"`
	Type          ErrorType `json:"error_type"`
	Message       string    `json:"message"`
	Context       Context   `json:"context"`
	Severity      Severity  `json:"severity"`
	Fingerprint   string    `json:"fingerprint"`
	Timestamp     time.Time `json:"timestamp"`
}

// Patterns are checked in order; the first match wins. Timeouts precede
// selectors so "timeout waiting for #x" is a TIMEOUT.
var patterns = []struct {
	typ ErrorType
	re  *regexp.Regexp
}{
	{Captcha, regexp.MustCompile(`(?i)captcha|recaptcha|hcaptcha|are you a robot`)},
	{RateLimit, regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b|throttl`)},
	{Timeout, regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`)},
	{Selector, regexp.MustCompile(`(?i)selector|element not found|no such element|not visible|could not find node`)},
	{Auth, regexp.MustCompile(`(?i)login rejected|unauthori[sz]ed|forbidden|invalid credentials|invalid password|\b40[13]\b|session expired|logged out|second factor`)},
	{Network, regexp.MustCompile(`(?i)net::err_|connection (refused|reset|closed)|no such host|network|dns|\beof\b|broken pipe|tls handshake`)},
	{API, regexp.MustCompile(`(?i)\bapi\b|status (code )?5\d\d|\b50[0234]\b|internal server error|bad gateway|service unavailable|unexpected response`)},
}

// TypeOf classifies a message.
func TypeOf(message string) ErrorType {
	for _, p := range patterns {
		if p.re.MatchString(message) {
			return p.typ
		}
	}
	return Unknown
}

var (
	reURL    = regexp.MustCompile(`https?://\S+`)
	reUUID   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	reNumber = regexp.MustCompile(`\d+`)
	reSpace  = regexp.MustCompile(`\s+`)
)

// Fingerprint normalizes a message so recurring failures group together.
func Fingerprint(message string) string {
	s := reURL.ReplaceAllString(message, "<url>")
	s = reUUID.ReplaceAllString(s, "<uuid>")
	s = reNumber.ReplaceAllString(s, "<n>")
	s = reSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(strings.ToLower(s))
}

// Classify builds an event for err. Step and selector are taken from a
// *marketplace.StepFailure when ctx leaves them empty.
func Classify(err error, ctx Context) Event {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	var sf *marketplace.StepFailure
	if errors.As(err, &sf) {
		if ctx.Step == "" {
			ctx.Step = string(sf.Step)
		}
		if ctx.Selector == "" {
			ctx.Selector = sf.Selector
		}
	}
	typ := TypeOf(msg)
	return Event{
		ID:          uuid.NewString(),
		Type:        typ,
		Message:     msg,
		Context:     ctx,
		Severity:    SeverityOf(typ),
		Fingerprint: Fingerprint(msg),
		Timestamp:   time.Now().UTC(),
	}
}

// FingerprintCount is one row of the frequency table.
type FingerprintCount struct {
	Fingerprint string    `json:"fingerprint"`
	Type        ErrorType `json:"error_type"`
	Count       int       `json:"count"`
	LastSeen    time.Time `json:"last_seen"`
}

// Classifier wraps Classify with an in-memory fingerprint frequency table.
// The table is observational; it never changes classification.
type Classifier struct {
	mu     sync.Mutex
	counts map[string]*FingerprintCount
}

func NewClassifier() *Classifier {
	return &Classifier{counts: make(map[string]*FingerprintCount)}
}

func (c *Classifier) Classify(err error, ctx Context) Event {
	ev := Classify(err, ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	fc, ok := c.counts[ev.Fingerprint]
	if !ok {
		fc = &FingerprintCount{Fingerprint: ev.Fingerprint, Type: ev.Type}
		c.counts[ev.Fingerprint] = fc
	}
	fc.Count++
	fc.LastSeen = ev.Timestamp
	return ev
}

// Top returns the n most frequent fingerprints, most frequent first.
func (c *Classifier) Top(n int) []FingerprintCount {
	c.mu.Lock()
	out := make([]FingerprintCount, 0, len(c.counts))
	for _, fc := range c.counts {
		out = append(out, *fc)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
