package parsers

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// bsdParser handles the BSD-like traceroute format, where the hop
// number occupies the first three columns and indented continuation
// lines carry additional hosts for the previous hop:
//
//	4  10.254.0.217 (10.254.0.217)  15.234 ms  15.081 ms
//	   10.254.0.221 (10.254.0.221)  13.549 ms
type bsdParser struct{}

func (bsdParser) Name() string { return "bsd" }

func (bsdParser) Parse(raw string) (Hops, error) {
	return parseBSDLines(raw)
}

func parseBSDLines(raw string) (Hops, error) {
	acc := newLineAccumulator()
	lastHopN := 0

	for _, line := range splitLines(raw) {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if strings.HasPrefix(line, "traceroute to ") {
			continue
		}

		head := line
		if len(head) > 3 {
			head = head[:3]
		}
		head = strings.TrimSpace(head)

		thisHopN := lastHopN

		if isDigits(head) {
			n, err := strconv.Atoi(head)
			if err != nil {
				continue
			}

			if n == 0 {
				continue
			}

			if n != lastHopN+1 {
				return nil, fmt.Errorf("unexpected hop: found %d, previous was %d", n, lastHopN)
			}

			thisHopN = n
		}

		var cols []string
		if len(line) > 3 {
			cols = strings.Fields(line[3:])
		}

		var ip string
		ipFound := false
		var rtts []float64
		missingReplies := 0

		for _, col := range cols {
			val := strings.TrimSpace(parenCleaner.Replace(col))

			if val == "ms" {
				continue
			}

			if val == "*" {
				missingReplies++
				continue
			}

			if addr, err := netip.ParseAddr(val); err == nil {
				ip = addr.String()
				ipFound = true
				continue
			}

			if rtt, err := extractRTT(val); err == nil {
				rtts = append(rtts, rtt)
			}
		}

		if thisHopN > 0 {
			if ipFound {
				if len(rtts) == 0 && missingReplies == 0 {
					return nil, fmt.Errorf("IP %s was found while parsing %q, but with no missing replies nor RTT values", ip, line)
				}
			} else {
				if missingReplies == 0 {
					return nil, fmt.Errorf("no IP was found while parsing %q, and no missing replies either", line)
				}
			}

			if ipFound {
				if err := acc.addHost(thisHopN, ip, rtts); err != nil {
					return nil, err
				}
			} else {
				if err := acc.addNoReplies(thisHopN); err != nil {
					return nil, err
				}
			}

			lastHopN = thisHopN
		}
	}

	return acc.flatten()
}
