package parsers

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var parenCleaner = strings.NewReplacer("(", "", ")", "", "^C", "")

// linuxParser handles the format produced by the traceroute and
// traceroute6 tools commonly found on Linux systems:
//
//	5  185.235.236.4 (185.235.236.4)  1.620 ms  1.228 ms 185.235.236.8 (185.235.236.8)  1.606 ms
//
// Multiple IPs, each followed by its own RTTs, can show up on the same
// line. Hosts that don't resolve to an IP are kept as hostnames.
type linuxParser struct{}

func (linuxParser) Name() string { return "linux" }

func (linuxParser) Parse(raw string) (Hops, error) {
	acc := newLineAccumulator()
	lastHopN := 0

	for _, line := range splitLines(raw) {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if strings.HasPrefix(line, "traceroute to ") ||
			strings.HasPrefix(line, "traceroute6 to ") {
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

		if thisHopN == 0 {
			continue
		}

		if thisHopN != lastHopN && thisHopN != lastHopN+1 {
			return nil, fmt.Errorf("unexpected hop: found %d, previous was %d", thisHopN, lastHopN)
		}

		var lastIP string
		ipFound := false
		var hostname string
		hostnameFound := false
		var rtts []float64
		missingReplies := 0

		for _, part := range parts[1:] {
			val := strings.TrimSpace(parenCleaner.Replace(part))

			if val == "ms" {
				continue
			}

			if val == "*" {
				missingReplies++
				continue
			}

			if addr, err := netip.ParseAddr(val); err == nil {
				lastIP = addr.String()
				ipFound = true
				continue
			}

			if rtt, err := extractRTT(val); err == nil {
				rtts = append(rtts, rtt)

				if ipFound {
					if err := acc.addHost(thisHopN, lastIP, []float64{rtt}); err != nil {
						return nil, err
					}
					continue
				}
				if hostnameFound {
					if err := acc.addHost(thisHopN, hostname, []float64{rtt}); err != nil {
						return nil, err
					}
					continue
				}
				// An RTT before any host was seen on this line: fall
				// through and classify the token as a candidate
				// hostname instead.
			}

			if looksLikeAHostname(val) && !hostnameFound {
				hostname = val
				hostnameFound = true
			}
		}

		switch {
		case ipFound:
			if len(rtts) == 0 && missingReplies == 0 {
				return nil, fmt.Errorf("IP %s found while parsing %q, but with no missing replies nor RTT values", lastIP, line)
			}
		case hostnameFound:
			if len(rtts) == 0 && missingReplies == 0 {
				return nil, fmt.Errorf("host %s found while parsing %q, but with no missing replies nor RTT values", hostname, line)
			}
		default:
			if missingReplies == 0 {
				return nil, fmt.Errorf("no IP found while parsing %q, and no missing replies either", line)
			}
			if err := acc.addNoReplies(thisHopN); err != nil {
				return nil, err
			}
		}

		lastHopN = thisHopN
	}

	return acc.flatten()
}
