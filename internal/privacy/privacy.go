// Package privacy provides privacy-focused utility functions for handling
// protected health information in logs and telemetry, such as message
// scrubbing, URL anonymization, and system ID generation.
package privacy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Pre-compiled patterns, compiled once at package init.
var (
	// URL pattern for finding URLs in text
	urlPattern = regexp.MustCompile(`\b(?:https?|mqtt|mqtts|tcp|ssl|ws|wss|ftp|sftp)://\S+`)

	// IPv4 pattern for IP address detection
	ipv4Pattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

	// Medical record numbers in free text, e.g. "MRN: A-88231" or "mrn 4412"
	mrnPattern = regexp.MustCompile(`\b(?:MRN|mrn|Mrn)[:#\s]*[A-Za-z0-9\-]{2,}`)

	// Email addresses
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// UUIDs used as record and upload identifiers
	uuidPattern = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)

	// Absolute filesystem paths, which embed upload and media locations
	pathPattern = regexp.MustCompile(`(?:/[A-Za-z0-9._\-]+){2,}/?`)

	// Phone numbers in common forms, e.g. +1-555-0100 or (555) 010-0100
	phonePattern = regexp.MustCompile(`\+?\d{1,3}[-.\s]?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}\b`)
)

// ScrubMessage removes or anonymizes protected health information and other
// sensitive data from log and telemetry messages. URLs are anonymized rather
// than removed so connectivity failures remain groupable.
func ScrubMessage(message string) string {
	scrubbed := urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
	scrubbed = mrnPattern.ReplaceAllString(scrubbed, "[MRN]")
	scrubbed = emailPattern.ReplaceAllString(scrubbed, "[EMAIL]")
	scrubbed = uuidPattern.ReplaceAllString(scrubbed, "[ID]")
	scrubbed = phonePattern.ReplaceAllString(scrubbed, "[PHONE]")
	scrubbed = pathPattern.ReplaceAllString(scrubbed, "[PATH]")
	return scrubbed
}

// AnonymizeURL converts a URL to an anonymized form while preserving debugging value.
// It maintains the URL structure but removes credentials, hostnames, and paths
// while preserving categorization for grouping.
func AnonymizeURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		// If parsing fails, create a hash of the raw string
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	// Create a normalized version for hashing. Include scheme, host pattern,
	// and path structure but remove sensitive data.
	var normalizedParts []string

	if parsedURL.Scheme != "" {
		normalizedParts = append(normalizedParts, parsedURL.Scheme)
	}

	host := parsedURL.Hostname()
	if host != "" {
		hostType := categorizeHost(host)
		normalizedParts = append(normalizedParts, hostType)
	}

	if parsedURL.Port() != "" {
		normalizedParts = append(normalizedParts, "port-"+parsedURL.Port())
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		pathStructure := anonymizePath(parsedURL.Path)
		normalizedParts = append(normalizedParts, pathStructure)
	}

	normalized := strings.Join(normalizedParts, ":")
	hash := sha256.Sum256([]byte(normalized))

	return fmt.Sprintf("url-%x", hash[:12])
}

// SanitizeBrokerURL strips credentials and topic path from a message broker URL,
// returning a display-friendly host:port form for logs.
func SanitizeBrokerURL(source string) string {
	schemeEnd := strings.Index(source, "://")
	if schemeEnd < 0 {
		return source
	}
	prefix := source[:schemeEnd+3]
	rest := source[schemeEnd+3:]

	// Drop credentials before the @ separator
	if atIndex := strings.Index(rest, "@"); atIndex > -1 {
		rest = rest[atIndex+1:]
	}

	// Keep only host:port, drop any path
	if slashIndex := strings.Index(rest, "/"); slashIndex > -1 {
		rest = rest[:slashIndex]
	}

	return prefix + rest
}

// RedactMRN masks a medical record number for display, preserving only the
// last two characters so records remain distinguishable in the UI.
func RedactMRN(mrn string) string {
	if len(mrn) <= 2 {
		return strings.Repeat("*", len(mrn))
	}
	return strings.Repeat("*", len(mrn)-2) + mrn[len(mrn)-2:]
}

// GenerateSystemID creates a unique installation identifier.
// The ID is 12 characters long, URL-safe, and case-insensitive.
// Format: XXXX-XXXX-XXXX (14 chars total with hyphens)
func GenerateSystemID() (string, error) {
	bytes := make([]byte, 6)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	id := hex.EncodeToString(bytes)

	formatted := fmt.Sprintf("%s-%s-%s", id[0:4], id[4:8], id[8:12])

	return strings.ToUpper(formatted), nil
}

// IsValidSystemID checks if a system ID has the correct format.
func IsValidSystemID(id string) bool {
	// Check format: XXXX-XXXX-XXXX (14 chars total)
	if len(id) != 14 {
		return false
	}

	if id[4] != '-' || id[9] != '-' {
		return false
	}

	for i, char := range id {
		if i == 4 || i == 9 {
			continue // Skip hyphens
		}
		if !isHexChar(char) {
			return false
		}
	}

	return true
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
		tld := parts[len(parts)-1]
		return "domain-" + tld
	}

	return "unknown-host"
}

// anonymizePath creates a structure-preserving but privacy-safe path representation
func anonymizePath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root"
	}

	segments := strings.Split(path, "/")
	var anonymizedSegments []string

	for _, segment := range segments {
		if segment == "" {
			continue
		}

		switch {
		case isCommonMediaSegment(segment):
			anonymizedSegments = append(anonymizedSegments, strings.ToLower(segment))
		case isNumeric(segment):
			anonymizedSegments = append(anonymizedSegments, "numeric")
		default:
			// Hash individual segments to maintain path structure
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
		"fe80:",                   // Link-local addresses
		"::1",                     // Loopback
		"ff00:", "ff01:", "ff02:", // Multicast
	}

	for _, prefix := range privateRanges {
		if strings.HasPrefix(strings.ToLower(host), strings.ToLower(prefix)) {
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

	// IPv6 addresses contain colons
	return strings.Contains(host, ":")
}

// isCommonMediaSegment reports whether a path segment is a well-known media
// directory name that is safe to preserve for grouping.
func isCommonMediaSegment(segment string) bool {
	commonNames := []string{"media", "xrays", "reports", "uploads", "backups", "static", "tmp"}
	segment = strings.ToLower(segment)

	for _, name := range commonNames {
		if segment == name {
			return true
		}
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

// isHexChar checks if a rune is a valid hex character
func isHexChar(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') || (r >= 'a' && r <= 'f')
}
