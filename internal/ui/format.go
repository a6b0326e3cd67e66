package ui

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatSize formats a byte count to a human readable string.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration renders how long a session lasted, e.g. "1h 2m 3s".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	seconds := int(d.Seconds()) % 60
	minutes := int(d.Minutes()) % 60
	hours := int(d.Hours())

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
