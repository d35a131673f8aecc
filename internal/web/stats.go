package web

import (
	"fmt"
	"strings"
	"time"

	"github.com/pierky/rich-traceroute/internal/traceroute"
)

// Operator-report thresholds; breaches turn the line into a WARNING.
const (
	statsWindow = 24 * time.Hour

	maxNotParsedPct    = 5.0
	maxNotStartedPct   = 5.0
	maxNotCompletedPct = 1.0
	maxAvgToStart      = 3 * time.Second
	maxAvgToComplete   = 10 * time.Second
)

// statsReport summarizes the traceroutes of the last 24 hours as a
// plain-text operator report. Lines breaching a threshold are marked
// WARNING; a clean report ends with ALL GOOD!.
func statsReport(traceroutes []*traceroute.Traceroute) string {
	var (
		parsed        int
		started       int
		completed     int
		sumToStart    time.Duration
		sumToComplete time.Duration
	)
	for _, t := range traceroutes {
		if !t.Parsed {
			continue
		}
		parsed++
		if t.EnrichmentStarted != nil {
			started++
			sumToStart += t.EnrichmentStarted.Sub(t.Created)
		}
		if t.EnrichmentCompleted != nil {
			completed++
			sumToComplete += t.EnrichmentCompleted.Sub(t.Created)
		}
	}

	var b strings.Builder
	warnings := 0
	warn := func(breached bool, format string, args ...any) {
		if breached {
			warnings++
			b.WriteString("WARNING ")
		}
		fmt.Fprintf(&b, format+"\n", args...)
	}

	total := len(traceroutes)
	fmt.Fprintf(&b, "Traceroutes over the last 24 hours: %d\n", total)

	if total > 0 {
		notParsedPct := pct(total-parsed, total)
		warn(notParsedPct > maxNotParsedPct,
			"Not parsed: %d (%.1f%%)", total-parsed, notParsedPct)
	}
	if parsed > 0 {
		notStartedPct := pct(parsed-started, parsed)
		warn(notStartedPct > maxNotStartedPct,
			"Enrichment not started: %d (%.1f%%)", parsed-started, notStartedPct)

		notCompletedPct := pct(parsed-completed, parsed)
		warn(notCompletedPct > maxNotCompletedPct,
			"Enrichment not completed: %d (%.1f%%)", parsed-completed, notCompletedPct)
	}
	if started > 0 {
		avg := sumToStart / time.Duration(started)
		warn(avg > maxAvgToStart,
			"Avg time to start enrichment: %.1fs", avg.Seconds())
	}
	if completed > 0 {
		avg := sumToComplete / time.Duration(completed)
		warn(avg > maxAvgToComplete,
			"Avg time to complete enrichment: %.1fs", avg.Seconds())
	}

	if warnings == 0 {
		b.WriteString("ALL GOOD!\n")
	}
	return b.String()
}

func pct(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
