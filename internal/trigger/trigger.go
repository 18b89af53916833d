// Package trigger classifies the context a click came from.
//
// Classification is a pure function of the request headers and URL. Rules
// are evaluated in order and the first match wins; the categories overlap,
// so reordering Rules changes results.
package trigger

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

type Kind string

const (
	Bot      Kind = "bot"
	Prefetch Kind = "prefetch"
	API      Kind = "api"
	QR       Kind = "qr"
	Email    Kind = "email"
	Social   Kind = "social"
	Campaign Kind = "campaign"
	Direct   Kind = "direct"
	Link     Kind = "link"
)

// Request is the subset of an HTTP request the classifier looks at.
type Request struct {
	UserAgent string
	Referer   string
	Header    http.Header
	Query     url.Values
}

// FromHTTP copies the relevant parts of r.
func FromHTTP(r *http.Request) Request {
	return Request{
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Header:    r.Header,
		Query:     r.URL.Query(),
	}
}

// Rule pairs a predicate with the kind it yields.
type Rule struct {
	Kind  Kind
	Match func(*signals) bool
}

// signals is the request pre-digested once per classification.
type signals struct {
	ua          string
	referer     string
	refererHost string
	header      http.Header
	query       url.Values
}

func newSignals(r Request) *signals {
	s := &signals{
		ua:      r.UserAgent,
		referer: strings.TrimSpace(r.Referer),
		header:  r.Header,
		query:   r.Query,
	}
	if s.header == nil {
		s.header = http.Header{}
	}
	if s.query == nil {
		s.query = url.Values{}
	}
	if s.referer != "" {
		if u, err := url.Parse(s.referer); err == nil && u.Host != "" {
			s.refererHost = strings.ToLower(u.Hostname())
		} else {
			s.refererHost = strings.ToLower(s.referer)
		}
	}
	return s
}

var rules = []Rule{
	{Bot, func(s *signals) bool { return IsBot(s.ua) }},
	{Prefetch, isPrefetch},
	{API, isAPI},
	{QR, isQR},
	{Email, isEmail},
	{Social, func(s *signals) bool { return hostHasSuffix(s.refererHost, socialHosts) }},
	{Campaign, hasUTM},
	{Direct, func(s *signals) bool { return s.referer == "" }},
}

// Rules returns the ordered rule table. The fallback kind Link is not part
// of the table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Classify returns the first matching kind, or Link when a referer is
// present but nothing else matched.
func Classify(r Request) Kind {
	s := newSignals(r)
	for _, rule := range rules {
		if rule.Match(s) {
			return rule.Kind
		}
	}
	return Link
}

func isPrefetch(s *signals) bool {
	for _, h := range []string{"Purpose", "Sec-Purpose", "X-Purpose", "X-Moz"} {
		v := strings.ToLower(s.header.Get(h))
		if strings.Contains(v, "prefetch") || strings.Contains(v, "preview") {
			return true
		}
	}
	// client-side router navigation markers
	for _, h := range []string{"Next-Router-Prefetch", "X-Middleware-Prefetch", "RSC"} {
		if s.header.Get(h) != "" {
			return true
		}
	}
	return false
}

func isAPI(s *signals) bool {
	if strings.EqualFold(s.header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	return strings.EqualFold(s.header.Get("Sec-Fetch-Mode"), "cors") &&
		strings.EqualFold(s.header.Get("Sec-Fetch-Dest"), "empty")
}

var qrAgentPattern = regexp.MustCompile(`(?i)(qr ?(code)? ?(reader|scanner)|barcode ?scanner|qrreader|qrscan|scan ?code)`)

func isQR(s *signals) bool {
	if qrAgentPattern.MatchString(s.ua) {
		return true
	}
	switch strings.ToLower(s.query.Get("qr")) {
	case "1", "true":
		return true
	}
	return false
}

var emailHosts = []string{
	"mail.google.com",
	"inbox.google.com",
	"outlook.live.com",
	"outlook.office.com",
	"outlook.office365.com",
	"mail.yahoo.com",
	"mail.aol.com",
	"mail.proton.me",
	"mail.protonmail.com",
	"mail.zoho.com",
	"fastmail.com",
	"mail.yandex.ru",
	"icloud.com",
}

var emailRefererPattern = regexp.MustCompile(`(?i)(webmail|newsletter|mailchimp|list-manage\.com|sendgrid|mailgun|campaign-archive|/mail/)`)

func isEmail(s *signals) bool {
	if hostHasSuffix(s.refererHost, emailHosts) {
		return true
	}
	if s.referer != "" && emailRefererPattern.MatchString(s.referer) {
		return true
	}
	return strings.EqualFold(s.query.Get("utm_medium"), "email")
}

var socialHosts = []string{
	"facebook.com",
	"fb.com",
	"fb.me",
	"instagram.com",
	"twitter.com",
	"x.com",
	"t.co",
	"linkedin.com",
	"lnkd.in",
	"reddit.com",
	"tiktok.com",
	"youtube.com",
	"youtu.be",
	"pinterest.com",
	"threads.net",
	"bsky.app",
	"mastodon.social",
	"whatsapp.com",
	"t.me",
	"telegram.org",
	"discord.com",
	"snapchat.com",
	"tumblr.com",
	"news.ycombinator.com",
}

var utmParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content"}

func hasUTM(s *signals) bool {
	for _, p := range utmParams {
		if s.query.Get(p) != "" {
			return true
		}
	}
	return false
}

// hostHasSuffix matches host against each domain exactly or as a subdomain.
func hostHasSuffix(host string, domains []string) bool {
	if host == "" {
		return false
	}
	host = strings.TrimPrefix(host, "www.")
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
