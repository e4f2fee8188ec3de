package core

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTimestampSeconds converts a display timestamp into seconds.
// Accepted forms: "SS", "MM:SS", "HH:MM:SS", each part optionally
// fractional. Unparseable input returns 0 so a single malformed frame
// sorts to the front instead of aborting a merge.
func ParseTimestampSeconds(ts string) float64 {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return 0
	}
	parts := strings.Split(ts, ":")
	if len(parts) > 3 {
		return 0
	}
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 {
			return 0
		}
		total = total*60 + v
	}
	return total
}

// FormatTimestamp renders seconds as MM:SS (or HH:MM:SS past an hour).
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	s := int(seconds)
	if s >= 3600 {
		return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
	}
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
