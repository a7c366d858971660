// Package humanize converts between byte counts and human-readable size
// strings such as "4MiB". Decimal suffixes (kb, mb) use powers of 1000,
// binary suffixes (kib, mib) use powers of 1024.
package humanize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownSuffix is returned by ParseBytes for unit suffixes other
// than kb, kib, mb, and mib (in any case).
var ErrUnknownSuffix = errors.New("unknown size unit suffix")

var factors = map[string]int64{
	"kb":  1000,
	"kib": 1 << 10,
	"mb":  1000 * 1000,
	"mib": 1 << 20,
}

// ParseBytes converts a size string consisting of a decimal number and a
// unit suffix, e.g. "4MiB" or "35kb", into a byte count. The suffix is
// case-insensitive and required.
func ParseBytes(s string) (int64, error) {
	digits := len(s)
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			digits = i
			break
		}
	}
	num, err := strconv.ParseInt(s[:digits], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("humanize: cannot interpret size %q: %w", s, err)
	}
	factor, ok := factors[strings.ToLower(s[digits:])]
	if !ok {
		return 0, fmt.Errorf("humanize: %q in %q: %w", s[digits:], s, ErrUnknownSuffix)
	}
	return num * factor, nil
}

// Bytes formats a byte count for display.
func Bytes(bytes uint64) string {
	switch {
	case bytes > (1024 * 1024):
		return fmt.Sprintf("%.f MiB", float64(bytes)/1024/1024)
	case bytes > 1024:
		return fmt.Sprintf("%.f KiB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
