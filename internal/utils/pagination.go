// Package utils holds small helpers shared by the HTTP and service layers.
package utils

import "strconv"

// Page bounds for listing endpoints.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParsePage parses raw page and page_size values, defaulting missing or
// invalid input and clamping page_size to [1, MaxPageSize].
func ParsePage(rawPage, rawSize string) (page, pageSize int) {
	page = AtoiDefault(rawPage, 1)
	if page < 1 {
		page = 1
	}
	pageSize = AtoiDefault(rawSize, DefaultPageSize)
	return page, ClampPageSize(pageSize)
}

// ClampPageSize bounds n to [1, MaxPageSize].
func ClampPageSize(n int) int {
	switch {
	case n < 1:
		return 1
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}

// Offset returns the row offset of a 1-based page.
func Offset(page, pageSize int) int {
	if page < 1 {
		return 0
	}
	return (page - 1) * pageSize
}
