package surface

import (
	"fmt"
	"time"
)

// TimeAgo renders how long before now ts happened, in whole minutes or hours.
func TimeAgo(now, ts time.Time) string {
	minutes := int(now.Sub(ts) / time.Minute)

	switch {
	case minutes < 1:
		return "just now"
	case minutes == 1:
		return "1 minute ago"
	case minutes < 60:
		return fmt.Sprintf("%d minutes ago", minutes)
	}

	hours := minutes / 60
	if hours == 1 {
		return "1 hour ago"
	}
	return fmt.Sprintf("%d hours ago", hours)
}

// FormatElapsed renders d as MM:SS.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// Status is the badge shown next to an alert in the history view.
func Status(active, cancelled bool) string {
	switch {
	case active:
		return "Active"
	case cancelled:
		return "Cancelled"
	}
	return "Resolved"
}
