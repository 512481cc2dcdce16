package tools

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/internal/store"
)

// Natural-language inference is deliberately conservative: input that
// doesn't match a known expression falls back to "no due date" or
// "normal priority" instead of an aggressive guess.

var inPattern = regexp.MustCompile(`^in (\d+) (day|days|week|weeks|month|months)$`)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseDueDate resolves a due-date expression into a concrete date at
// midnight local time. Accepts ISO dates, RFC3339 timestamps, and a
// small set of relative expressions ("tomorrow", "next week",
// "in 3 days", weekday names). Returns false when nothing matched.
func ParseDueDate(input string, now time.Time) (time.Time, bool) {
	text := strings.ToLower(strings.TrimSpace(input))
	if text == "" {
		return time.Time{}, false
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch text {
	case "today", "now":
		return today, true
	case "tomorrow":
		return today.AddDate(0, 0, 1), true
	case "yesterday":
		return today.AddDate(0, 0, -1), true
	case "next week", "in a week", "1 week":
		return today.AddDate(0, 0, 7), true
	case "next month", "in a month", "1 month":
		return today.AddDate(0, 0, 30), true
	}

	if m := inPattern.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch {
		case strings.HasPrefix(m[2], "day"):
			return today.AddDate(0, 0, n), true
		case strings.HasPrefix(m[2], "week"):
			return today.AddDate(0, 0, n*7), true
		default:
			return today.AddDate(0, 0, n*30), true
		}
	}

	// Weekday names: "friday" or "next friday" means the next occurrence.
	dayText := strings.TrimPrefix(text, "next ")
	if wd, ok := weekdays[dayText]; ok {
		days := (int(wd) - int(today.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return today.AddDate(0, 0, days), true
	}

	// ISO date.
	if t, err := time.ParseInLocation("2006-01-02", text, now.Location()); err == nil {
		return t, true
	}

	// Full timestamp.
	if t, err := time.Parse(time.RFC3339, strings.ToUpper(text)); err == nil {
		return t, true
	}

	return time.Time{}, false
}

// Urgency keywords for priority inference. Matched as substrings of the
// lowercased title+description, high before low.
var (
	highKeywords = []string{
		"urgent", "asap", "critical", "important", "emergency",
		"crucial", "vital", "high priority", "right away", "immediately",
		"blocker", "p0", "p1", "must", "required",
	}
	lowKeywords = []string{
		"maybe", "sometime", "eventually", "when possible", "low priority",
		"nice to have", "optional", "if time", "p3", "p4", "someday",
	}
)

// InferPriority guesses a task's priority from urgency keywords in its
// text. Defaults to normal when nothing matches.
func InferPriority(text string) string {
	lower := strings.ToLower(text)

	for _, kw := range highKeywords {
		if strings.Contains(lower, kw) {
			return store.PriorityHigh
		}
	}
	for _, kw := range lowKeywords {
		if strings.Contains(lower, kw) {
			return store.PriorityLow
		}
	}
	return store.PriorityNormal
}
