// Package bytesize parses and formats byte sizes and transfer rates used in
// replication tuning ("4MB" checkpoint thresholds, "10mbps" upload caps).
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Common byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// Transfer rate units (bits per second, SI), expressed as bytes per second.
const (
	Kbps int64 = 1000 / 8
	Mbps int64 = 1000 * 1000 / 8
	Gbps int64 = 1000 * 1000 * 1000 / 8
)

var (
	// sizePattern matches size strings like "100MB", "1.5 GB", "1024"
	sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

	// ratePattern matches rate strings like "10mbps", "100KB/s"
	ratePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z/]+)\s*$`)
)

// Parse parses a byte size string like "100MB", "1.5GB", or "1024" into
// bytes. Supported units: B, KB, MB, GB, TB (case-insensitive); a bare
// number is taken as bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	var multiplier int64
	switch strings.ToUpper(matches[2]) {
	case "", "B":
		multiplier = B
	case "KB", "K", "KI":
		multiplier = KB
	case "MB", "M", "MI":
		multiplier = MB
	case "GB", "G", "GI":
		multiplier = GB
	case "TB", "T", "TI":
		multiplier = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format formats a byte count into a human-readable string.
func Format(bytes int64) string {
	units := []struct {
		threshold int64
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}
	for _, u := range units {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// ParseRate parses a transfer rate string into bytes per second. Bit rates
// use SI units (kbps, mbps, gbps); byte rates use binary units (KB/s, MB/s,
// GB/s). Case-insensitive.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty rate string")
	}

	matches := ratePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid rate format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	switch strings.ToLower(matches[2]) {
	case "bps":
		return int64(value / 8), nil
	case "kbps":
		return int64(value * float64(Kbps)), nil
	case "mbps":
		return int64(value * float64(Mbps)), nil
	case "gbps":
		return int64(value * float64(Gbps)), nil
	case "b/s":
		return int64(value), nil
	case "kb/s":
		return int64(value * float64(KB)), nil
	case "mb/s":
		return int64(value * float64(MB)), nil
	case "gb/s":
		return int64(value * float64(GB)), nil
	}
	return 0, fmt.Errorf("unknown rate unit: %q", matches[2])
}
