package parsers

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var bracketCleaner = strings.NewReplacer("[", "", "]", "", "^C", "")

// winTracertParser handles the output of Windows tracert, where the
// RTT columns come before the address they belong to:
//
//	1    <1 ms    <1 ms    <1 ms  172.16.0.5
//	2     *        *        *     Request timed out.
//
// Sub-millisecond replies are reported as "<1" and parsed as 0.
type winTracertParser struct{}

func (winTracertParser) Name() string { return "win_tracert" }

func (winTracertParser) Parse(raw string) (Hops, error) {
	acc := newLineAccumulator()
	lastHopN := 0

	for _, line := range splitLines(raw) {
		if strings.TrimSpace(line) == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) == 0 || !isDigits(parts[0]) {
			continue
		}

		thisHopN, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}

		if thisHopN != lastHopN+1 {
			return nil, fmt.Errorf("unexpected hop: found %d, previous was %d", thisHopN, lastHopN)
		}

		var rtts []float64
		missingReplies := 0

		for _, part := range parts[1:] {
			val := strings.TrimSpace(bracketCleaner.Replace(part))

			if val == "ms" {
				continue
			}

			if val == "*" {
				missingReplies++
				continue
			}

			if addr, err := netip.ParseAddr(val); err == nil {
				// An address with no RTTs gathered before it is
				// ignored.
				if len(rtts) > 0 {
					if err := acc.addHost(thisHopN, addr.String(), rtts); err != nil {
						return nil, err
					}
					rtts = nil
				}
				continue
			}

			if val == "<1" {
				rtts = append(rtts, 0)
				continue
			}

			if v, err := strconv.ParseFloat(val, 64); err == nil {
				rtts = append(rtts, v)
			}
		}

		if len(rtts) > 0 {
			return nil, fmt.Errorf("some RTTs were found (%v) but no IP address is associated with them", rtts)
		}

		if missingReplies > 0 {
			if err := acc.addNoReplies(thisHopN); err != nil {
				return nil, err
			}
		}

		lastHopN = thisHopN
	}

	return acc.flatten()
}
