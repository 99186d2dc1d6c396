package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
)

const barWidth = 10

// Update is one outward progress report.
type Update struct {
	SessionID string        `json:"session_id"`
	Label     string        `json:"label,omitempty"`
	Moved     int64         `json:"moved"`
	Total     int64         `json:"total"`
	Speed     float64       `json:"speed"`
	ETA       time.Duration `json:"eta"`
	Elapsed   time.Duration `json:"elapsed"`
	Done      bool          `json:"done"`
	Err       string        `json:"error,omitempty"`
}

// Percent returns the completed share in [0, 100], or -1 when the total is unknown.
func (u Update) Percent() float64 {
	switch {
	case u.Total < 0:
		return -1
	case u.Total == 0:
		return 100
	}
	return float64(u.Moved) / float64(u.Total) * 100
}

// Text renders the update for chat messages and logs.
func (u Update) Text() string {
	var b strings.Builder
	if u.Label != "" {
		b.WriteString(u.Label)
		b.WriteString("\n")
	}

	switch {
	case u.Err != "":
		fmt.Fprintf(&b, "Failed after %s: %s", units.HumanSizeWithPrecision(float64(u.Moved), 3), u.Err)
		return b.String()
	case u.Done:
		fmt.Fprintf(&b, "%s 100%%\n%s in %s", bar(100), units.HumanSizeWithPrecision(float64(u.Moved), 3), u.Elapsed.Round(time.Second))
		return b.String()
	}

	if pct := u.Percent(); pct >= 0 {
		fmt.Fprintf(&b, "%s %.1f%%\n%s / %s", bar(pct), pct,
			units.HumanSizeWithPrecision(float64(u.Moved), 3), units.HumanSizeWithPrecision(float64(u.Total), 3))
	} else {
		b.WriteString(units.HumanSizeWithPrecision(float64(u.Moved), 3))
	}
	if u.Speed > 0 {
		fmt.Fprintf(&b, " • %s/s", units.HumanSizeWithPrecision(u.Speed, 3))
	}
	if u.ETA > 0 {
		fmt.Fprintf(&b, " • ETA %s", u.ETA.Round(time.Second))
	}
	return b.String()
}

func bar(pct float64) string {
	filled := int(pct / 100 * barWidth)
	filled = max(0, min(barWidth, filled))
	return strings.Repeat("▓", filled) + strings.Repeat("░", barWidth-filled)
}
