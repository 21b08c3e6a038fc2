// Package identity resolves the client identity a trust token is bound to.
package identity

import (
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Binding selects which identity attributes a trust token is bound to.
type Binding string

const (
	// BindIPAndUA binds to both the client IP and the user agent.
	BindIPAndUA Binding = "ip+ua"

	// BindUA binds to the user agent only. Useful behind proxies that
	// rotate egress addresses.
	BindUA Binding = "ua"

	// BindIP binds to the client IP only.
	BindIP Binding = "ip"
)

// IsValid reports whether b is a known binding.
func (b Binding) IsValid() bool {
	switch b {
	case BindIPAndUA, BindUA, BindIP:
		return true
	}
	return false
}

// DefaultIPHeader is the request header consulted for the client IP.
const DefaultIPHeader = "X-Real-IP"

// Identity is the resolved identity of a single request.
type Identity struct {
	IP        string
	UserAgent string
}

// Resolver extracts identities from HTTP requests. Which parts of an
// identity a token is bound to is the caller's [Binding].
type Resolver struct {
	header string
}

// NewResolver returns a Resolver reading the client IP from header, falling
// back to the connection's remote address. Empty selects [DefaultIPHeader].
func NewResolver(header string) *Resolver {
	if header == "" {
		header = DefaultIPHeader
	}
	return &Resolver{header: header}
}

// Resolve returns the identity of r.
func (res *Resolver) Resolve(r *http.Request) Identity {
	ip := strings.TrimSpace(r.Header.Get(res.header))
	if i := strings.IndexByte(ip, ','); i >= 0 {
		// X-Forwarded-For style list; the first entry is the client.
		ip = strings.TrimSpace(ip[:i])
	}
	if ip == "" {
		ip = remoteHost(r.RemoteAddr)
	}
	return Identity{
		IP:        ip,
		UserAgent: strings.TrimSpace(r.UserAgent()),
	}
}

// Descriptor returns the parts of id selected by b, joined with ";".
func (b Binding) Descriptor(id Identity) string {
	switch b {
	case BindUA:
		return id.UserAgent
	case BindIP:
		return id.IP
	default:
		return id.IP + ";" + id.UserAgent
	}
}

func remoteHost(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

var automatedUA = regexp.MustCompile(`(?i)(bot|crawl|spider|slurp|scrape|headless|phantomjs|selenium|puppeteer|playwright|curl|wget|python-requests|python-urllib|httpx|aiohttp|go-http-client|okhttp|java/|libwww|node-fetch|axios|postman)`)

// IsAutomated reports whether userAgent looks like a crawler, script or
// headless browser.
func IsAutomated(userAgent string) bool {
	return automatedUA.MatchString(userAgent)
}
