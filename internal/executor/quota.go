package executor

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// quotaMarkers are the phrases drivers emit when usage is exhausted.
var quotaMarkers = []string{
	"quota exceeded",
	"usage limit reached",
	"usage limit exceeded",
	"rate limit exceeded",
	"out of credits",
	"limit will reset",
}

var (
	// "resets 6pm", "resets at 10:30am", "will reset 11 pm", "resets at 18:30".
	// A bare hour without a meridiem ("resets 6") is too ambiguous to act on.
	clockRe = regexp.MustCompile(`(?i)\breset\w*\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)

	// "after 2h30m", "try again in 45m", "retry in 1h"
	durationRe = regexp.MustCompile(`(?i)\b(?:after|in)\s+(?:(\d+)\s*h(?:ours?)?)?\s*(?:(\d+)\s*m(?:in(?:utes?)?)?)?\b`)
)

// isQuotaOutput reports whether driver output indicates an exhausted quota.
func isQuotaOutput(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range quotaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// parseResetAt extracts the quota reset time from driver output, relative to
// now. Returns the zero time when no reset hint is present.
func parseResetAt(output string, now time.Time) time.Time {
	if m := clockRe.FindStringSubmatch(output); m != nil && (m[2] != "" || m[3] != "") {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if strings.EqualFold(m[3], "pm") && hour < 12 {
			hour += 12
		}
		if strings.EqualFold(m[3], "am") && hour == 12 {
			hour = 0
		}
		if hour < 24 && minute < 60 {
			reset := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
			if !reset.After(now) {
				reset = reset.AddDate(0, 0, 1)
			}
			return reset
		}
	}

	if m := durationRe.FindStringSubmatch(output); m != nil && (m[1] != "" || m[2] != "") {
		var d time.Duration
		if m[1] != "" {
			h, _ := strconv.Atoi(m[1])
			d += time.Duration(h) * time.Hour
		}
		if m[2] != "" {
			min, _ := strconv.Atoi(m[2])
			d += time.Duration(min) * time.Minute
		}
		if d > 0 {
			return now.Add(d)
		}
	}
	return time.Time{}
}
