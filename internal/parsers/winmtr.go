package parsers

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var winMTRCleaner = strings.NewReplacer("|", "", "-", "")

// winMTRParser handles the statistics table exported by WinMTR. Hops
// are numbered by their position in the table; rows reading "No
// response from host" become hops with no hosts.
type winMTRParser struct{}

func (winMTRParser) Name() string { return "winmtr" }

func (winMTRParser) Parse(raw string) (Hops, error) {
	hops := make(Hops)

	titleFound := false
	processingHops := false

	for _, line := range splitLines(raw) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.Contains(line, "WinMTR statistics") {
			titleFound = true
			continue
		}

		if !titleFound {
			continue
		}

		if strings.Contains(line, "----") {
			processingHops = true
			continue
		}

		if !processingHops {
			continue
		}

		if strings.Contains(line, "____") {
			continue
		}

		line = winMTRCleaner.Replace(line)
		line = strings.ReplaceAll(line, "No response from host", "?")

		parts := strings.Fields(line)

		if len(parts) < 8 {
			return nil, fmt.Errorf("was expecting to find 8 parts: %q", line)
		}

		host := parts[0]
		hopN := len(hops) + 1

		if host == "?" {
			hops[hopN] = []HopHost{}
			continue
		}

		if _, err := netip.ParseAddr(host); err != nil {
			if !looksLikeAHostname(host) {
				return nil, fmt.Errorf("can't determine the host from %q", line)
			}
		}

		loss, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("can't convert loss from %s", parts[1])
		}
		minRTT, err := strconv.ParseFloat(parts[4], 64)
		if err != nil {
			return nil, fmt.Errorf("can't convert min_rtt from %s", parts[4])
		}
		avg, err := strconv.ParseFloat(parts[5], 64)
		if err != nil {
			return nil, fmt.Errorf("can't convert avg_rtt from %s", parts[5])
		}
		maxRTT, err := strconv.ParseFloat(parts[6], 64)
		if err != nil {
			return nil, fmt.Errorf("can't convert max_rtt from %s", parts[6])
		}

		hops[hopN] = []HopHost{{
			Host:   host,
			Loss:   &loss,
			AvgRTT: &avg,
			MinRTT: &minRTT,
			MaxRTT: &maxRTT,
		}}
	}

	if len(hops) == 0 {
		return nil, errNoHops
	}

	return hops, nil
}
