package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ErrNoIdentifier is returned when a request carries nothing to derive a
// rate limit identifier from.
var ErrNoIdentifier = errors.New("no identifier in request")

// Extractor represents the way we extract an identifier from an HTTP request: a
// header value, the client address or authentication information placed in the
// request context. Extractors never read the request body.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

type httpHeaderExtractor struct {
	headers []string
}

// NewHTTPHeadersExtractor creates an extractor that joins the values of headers.
func NewHTTPHeadersExtractor(headers ...string) Extractor {
	return &httpHeaderExtractor{headers: headers}
}

// Extract joins the values of the configured headers with "-". Every header
// must be set.
func (h *httpHeaderExtractor) Extract(r *http.Request) (string, error) {
	values := make([]string, 0, len(h.headers))

	for _, key := range h.headers {
		value := strings.TrimSpace(r.Header.Get(key))
		if value == "" {
			return "", fmt.Errorf("%w: the header %v must have a value set", ErrNoIdentifier, key)
		}
		values = append(values, value)
	}

	return strings.Join(values, "-"), nil
}

type clientIPExtractor struct {
	trusted []netip.Prefix
}

// NewClientIPExtractor extracts the client address. Proxy headers are read
// only when the socket peer is one of the trusted proxies, see ClientIP.
func NewClientIPExtractor(trusted ...netip.Prefix) Extractor {
	return clientIPExtractor{trusted: trusted}
}

func (e clientIPExtractor) Extract(r *http.Request) (string, error) {
	if ip := ClientIP(r, e.trusted); ip != "" {
		return ip, nil
	}
	return "", fmt.Errorf("%w: client address %q", ErrNoIdentifier, r.RemoteAddr)
}

// ClientIP returns the normalised client IP of r or "" when none is valid.
// The socket peer is the client unless it falls inside trusted, in which case
// the proxy headers are consulted in the order CF-Connecting-IP,
// X-Forwarded-For (first valid entry) and X-Real-IP before the peer itself.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := RemoteIP(r)
	if !Contains(trusted, peer) {
		return peer
	}

	if ip := parseIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for _, ip := range strings.Split(forwarded, ",") {
			if parsed := parseIP(ip); parsed != "" {
				return parsed
			}
		}
	}

	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}

// RemoteIP returns the normalised address of the socket peer of r.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return parseIP(r.RemoteAddr)
	}
	return parseIP(host)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}

// ParsePrefixes parses a list of addresses and CIDR prefixes. A bare address
// becomes a single host prefix. Blank entries are skipped, invalid ones are
// reported in the joined error while the valid ones are still returned.
func ParsePrefixes(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, errors.Join(errs...)
}

// Contains reports whether ip lies inside any of prefixes.
func Contains(prefixes []netip.Prefix, ip string) bool {
	if len(prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

type userIDContextKey struct{}

// WithUserID stores the authenticated user id in ctx. Authentication
// middleware running before the rate limiter sets it.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, id)
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDContextKey{}).(string)
	return id
}

type userExtractor struct {
	fallback Extractor
}

// NewUserExtractor reads the user id from the request context and falls back
// to the given headers when the context has none.
func NewUserExtractor(headers ...string) Extractor {
	u := userExtractor{}
	if len(headers) > 0 {
		u.fallback = NewHTTPHeadersExtractor(headers...)
	}
	return u
}

func (u userExtractor) Extract(r *http.Request) (string, error) {
	if id := strings.TrimSpace(UserIDFromContext(r.Context())); id != "" {
		return id, nil
	}
	if u.fallback == nil {
		return "", fmt.Errorf("%w: no authenticated user", ErrNoIdentifier)
	}
	return u.fallback.Extract(r)
}
