// Package util provides small shared helpers that don't fit into
// domain-specific packages.
package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Used when logging token hashes, where only a prefix should be
// shown. A negative maxLen is treated as 0.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizePattern normalizes a route pattern for comparison by removing
// trailing slashes, so "/health/" and "/health" match the same requests.
func NormalizePattern(pattern string) string {
	if pattern == "/" {
		return pattern
	}
	return strings.TrimRight(pattern, "/")
}
