package console

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// noValue fills cells whose value is not known yet.
const noValue = "-"

func textOr(s, alt string) string {
	if s == "" {
		return alt
	}
	return s
}

func formatChannels(n int) string {
	return humanize.Comma(int64(n))
}

// formatNominalRate renders the declared sampling rate. Zero marks an
// irregular stream, not a missing value.
func formatNominalRate(rate float64) string {
	if rate == 0 {
		return "irregular"
	}
	return humanize.Ftoa(rate) + " Hz"
}

// formatMeasuredRate renders a measured rate with one decimal, or the
// placeholder before the first measurement arrives.
func formatMeasuredRate(rate float64) string {
	if rate == 0 {
		return noValue
	}
	return fmt.Sprintf("%.1f Hz", rate)
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return noValue
	}
	return humanize.Time(t)
}

func formatCount(n uint64) string {
	return humanize.Comma(int64(n))
}
