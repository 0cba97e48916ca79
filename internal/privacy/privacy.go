// Package privacy provides privacy-focused utility functions for handling sensitive data
// such as endpoint URLs, node coordinates and credentials in telemetry and log output.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Pre-compiled patterns
var (
	// URL pattern for finding URLs in text; covers REST, push and broker schemes
	urlPattern = regexp.MustCompile(`\b(?:https?|wss?|tcp|ssl|tls|mqtts?)://\S+`)

	// Decimal coordinate pairs such as "60.1699,24.9384" or "60.1699, 24.9384"
	coordinatePattern = regexp.MustCompile(`-?\d{1,3}\.\d{3,}\s*,\s*-?\d{1,3}\.\d{3,}`)

	// Bearer tokens in headers or messages
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)

	// token=..., password: ... and similar
	secretPattern = regexp.MustCompile(`(?i)\b(token|password|passwd|secret|api[_-]?key)\s*[=:]\s*\S+`)

	// Standalone IPv4 addresses not already inside a URL
	ipv4InTextPattern = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)

	// IPv4 pattern for IP address detection
	ipv4Pattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// ScrubMessage removes or anonymizes sensitive information from telemetry messages.
// URLs are replaced by stable anonymized ids, and coordinate pairs, secrets and
// IP addresses are masked.
func ScrubMessage(message string) string {
	message = urlPattern.ReplaceAllStringFunc(message, anonymizeURL)
	message = bearerPattern.ReplaceAllString(message, "Bearer [TOKEN]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")
	message = coordinatePattern.ReplaceAllString(message, "[LAT],[LON]")
	return ipv4InTextPattern.ReplaceAllString(message, "[IP]")
}

// anonymizeURL converts a URL to an anonymized form while preserving debugging value.
// Scheme, host category, port and path shape feed a hash, so the same endpoint
// always maps to the same id without revealing it.
func anonymizeURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	var normalizedParts []string
	if parsedURL.Scheme != "" {
		normalizedParts = append(normalizedParts, parsedURL.Scheme)
	}
	if host := parsedURL.Hostname(); host != "" {
		normalizedParts = append(normalizedParts, categorizeHost(host))
	}
	if parsedURL.Port() != "" {
		normalizedParts = append(normalizedParts, "port-"+parsedURL.Port())
	}
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		normalizedParts = append(normalizedParts, anonymizePath(parsedURL.Path))
	}

	normalized := strings.Join(normalizedParts, ":")
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("url-%x", hash[:12])
}

// RedactURL strips credentials and the query from a URL for display, keeping
// scheme, host, port and path. Unparseable input is fully redacted.
func RedactURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Host == "" {
		return "[REDACTED]"
	}
	parsedURL.User = nil
	parsedURL.RawQuery = ""
	parsedURL.Fragment = ""
	return parsedURL.String()
}

// categorizeHost anonymizes hostnames while preserving useful categorization
func categorizeHost(host string) string {
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return "localhost"
	}
	if isPrivateIP(host) {
		return "private-ip"
	}
	if isIPAddress(host) {
		return "public-ip"
	}

	// For domain names, preserve TLD only
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return "domain-" + parts[len(parts)-1]
	}
	return "unknown-host"
}

// anonymizePath creates a structure-preserving but privacy-safe path representation
func anonymizePath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root"
	}

	var anonymizedSegments []string
	for segment := range strings.SplitSeq(path, "/") {
		if segment == "" {
			continue
		}
		switch {
		case isKnownSegment(segment):
			anonymizedSegments = append(anonymizedSegments, segment)
		case isNumeric(segment):
			anonymizedSegments = append(anonymizedSegments, "numeric")
		default:
			hash := sha256.Sum256([]byte(segment))
			anonymizedSegments = append(anonymizedSegments, fmt.Sprintf("seg-%x", hash[:4]))
		}
	}
	return strings.Join(anonymizedSegments, "/")
}

// isPrivateIP checks if the host is a private IP address (both IPv4 and IPv6)
func isPrivateIP(host string) bool {
	privateRanges := []string{
		// IPv4 private ranges
		"10.", "172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.", "172.22.", "172.23.",
		"172.24.", "172.25.", "172.26.", "172.27.", "172.28.", "172.29.", "172.30.", "172.31.",
		"192.168.", "169.254.",
		// IPv6 private ranges
		"fc00:", "fd00:", // Unique local addresses
		"fe80:", // Link-local addresses
	}

	host = strings.ToLower(host)
	for _, prefix := range privateRanges {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return false
}

// isIPAddress checks if the host looks like an IP address
func isIPAddress(host string) bool {
	if ipv4Pattern.MatchString(host) {
		return true
	}
	return strings.Contains(host, ":")
}

// isKnownSegment reports whether a path segment is part of the backend's
// fixed route vocabulary and safe to keep.
func isKnownSegment(segment string) bool {
	switch strings.ToLower(segment) {
	case "api", "ws", "nodes", "detections", "blackout", "activate", "deactivate",
		"register", "heartbeat", "health", "sentinel", "push":
		return true
	}
	return false
}

// isNumeric checks if a string is purely numeric
func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// sanitizedError keeps the original error for errors.Is and errors.As while
// Error returns the scrubbed message.
type sanitizedError struct {
	err error
	msg string
}

func (e *sanitizedError) Error() string { return e.msg }
func (e *sanitizedError) Unwrap() error { return e.err }

// WrapError returns err with its message passed through ScrubMessage, or nil.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &sanitizedError{err: err, msg: ScrubMessage(err.Error())}
}
