package types

import (
	"fmt"
	"time"
)

// FormatCallTimer renders an in-call elapsed counter as mm:ss.
func FormatCallTimer(elapsed time.Duration) string {
	secs := int(elapsed / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// FormatCallDuration renders a finished call as m:ss, or "In progress" while open.
func FormatCallDuration(rec CallRecord) string {
	if rec.InProgress() {
		return "In progress"
	}
	started, err1 := time.Parse(time.RFC3339, rec.StartedAt)
	ended, err2 := time.Parse(time.RFC3339, rec.EndedAt)
	if err1 != nil || err2 != nil {
		return "-"
	}
	d := ended.Sub(started)
	if d < 0 {
		d = 0
	}
	mins := int(d / time.Minute)
	secs := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%d:%02d", mins, secs)
}

// FormatCallStart renders a call start time like "Jan 2, 03:04 PM".
func FormatCallStart(rec CallRecord) string {
	started, err := time.Parse(time.RFC3339, rec.StartedAt)
	if err != nil {
		return rec.StartedAt
	}
	return started.Local().Format("Jan 2, 03:04 PM")
}

// FormatLastSeen renders an offline participant's last-seen timestamp relative to now.
func FormatLastSeen(lastSeen string, now time.Time) string {
	if lastSeen == "" {
		return ""
	}
	seen, err := time.Parse(time.RFC3339, lastSeen)
	if err != nil {
		return ""
	}
	diff := now.Sub(seen)
	switch {
	case diff < time.Minute:
		return "Just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff/time.Minute))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(diff/(24*time.Hour)))
	}
}
