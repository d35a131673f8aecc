package parsers

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// unknownFormat1Parser handles a traceroute-like format seen in the
// wild whose origin is unclear: one host per line, the hop number
// followed by a colon, the RTT with the unit attached.
//
//	1:  _gateway                  0.874ms
//	2:  192.0.2.1                11.419ms
type unknownFormat1Parser struct{}

func (unknownFormat1Parser) Name() string { return "unknown1" }

func (unknownFormat1Parser) Parse(raw string) (Hops, error) {
	acc := newLineAccumulator()

	processingHops := false
	lastHopN := 0

	for _, line := range splitLines(raw) {
		if strings.TrimSpace(line) == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		hopRaw := parts[0]

		if hopRaw == "1:" {
			processingHops = true
		}

		if !processingHops {
			continue
		}

		if !strings.HasSuffix(hopRaw, ":") {
			return nil, fmt.Errorf("hop number does not end with ':': %s", hopRaw)
		}

		thisHopN, err := strconv.Atoi(strings.TrimSuffix(hopRaw, ":"))
		if err != nil {
			return nil, fmt.Errorf("the parsed hop is not numeric: %s", hopRaw)
		}

		if thisHopN != lastHopN && thisHopN != lastHopN+1 {
			return nil, fmt.Errorf("unexpected hop: found %d, previous was %d", thisHopN, lastHopN)
		}

		if len(parts) < 3 {
			return nil, fmt.Errorf("not enough columns in %q", line)
		}

		host := parts[1]

		if _, err := netip.ParseAddr(host); err != nil {
			if !looksLikeAHostname(host) {
				return nil, fmt.Errorf("can't determine the host from %q", line)
			}
		}

		rttRaw := parts[2]
		if !strings.HasSuffix(rttRaw, "ms") {
			return nil, fmt.Errorf("RTT does not end with 'ms': %s", rttRaw)
		}

		rtt, err := strconv.ParseFloat(strings.TrimSuffix(rttRaw, "ms"), 64)
		if err != nil {
			return nil, fmt.Errorf("can't convert %q into float", rttRaw)
		}

		if err := acc.addHost(thisHopN, host, []float64{rtt}); err != nil {
			return nil, err
		}

		lastHopN = thisHopN
	}

	return acc.flatten()
}
