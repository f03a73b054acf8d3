package catalog

import "strings"

// Unit represents a unit of measure. Codes are stored normalized upper-case
// and stay resolvable after deactivation so historical boletines keep
// validating.
type Unit struct {
	ID     int64  `json:"id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// NormalizeCode trims and upper-cases a unit code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
