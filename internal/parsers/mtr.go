package parsers

import (
	"fmt"
	"strconv"
	"strings"
)

// mtrParser handles the textual output of mtr, both in report mode
//
//	1.|-- 192.168.1.254      0.0%     2    3.8   6.4   3.8   9.1   3.7
//
// and in interactive mode
//
//  1. 192.168.1.254         0.0%    12    3.3  11.6   2.0  50.7  15.1
//
// Indented continuation lines list additional hosts that replied for
// the hop above them.
type mtrParser struct{}

func (mtrParser) Name() string { return "mtr" }

func (mtrParser) Parse(raw string) (Hops, error) {
	return parseMTR(raw, func(line string) (int, string, error) {
		if strings.Contains(line, "|--") {
			return reportHopLine(line)
		}
		return interactiveHopLine(line)
	})
}

// junosParser handles the output of "traceroute monitor" on Junos,
// which is mtr's interactive format with a slightly different hop
// number column.
type junosParser struct{}

func (junosParser) Name() string { return "junos" }

func (junosParser) Parse(raw string) (Hops, error) {
	return parseMTR(raw, junosHopLine)
}

func reportHopLine(line string) (int, string, error) {
	if !strings.Contains(line, "|--") {
		return 0, "", fmt.Errorf("'|--' marker not found in %q", line)
	}

	sections := strings.Split(line, "|--")

	left := strings.TrimSpace(sections[0])
	if left == "" {
		return 0, "", fmt.Errorf("no hop number in %q", line)
	}

	// Drop the dot that trails the hop number.
	raw := left[:len(left)-1]
	if !isDigits(raw) {
		return 0, "", fmt.Errorf("the parsed hop is not numeric: %s", raw)
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, "", err
	}
	return n, strings.TrimSpace(sections[1]), nil
}

func interactiveHopLine(line string) (int, string, error) {
	fields := strings.Fields(line)

	raw := strings.TrimSuffix(fields[0], ".")
	if !isDigits(raw) {
		return 0, "", fmt.Errorf("the parsed hop is not numeric: %s", raw)
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, "", err
	}
	return n, strings.Join(fields[1:], " "), nil
}

func junosHopLine(line string) (int, string, error) {
	fields := strings.Fields(line)

	first := fields[0]
	if !strings.HasSuffix(first, ".") {
		return 0, "", fmt.Errorf("a dot was expected at the end of the first part (%s)", first)
	}

	raw := strings.ReplaceAll(first, ".", "")
	if !isDigits(raw) {
		return 0, "", fmt.Errorf("the parsed hop is not numeric: %s", raw)
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, "", err
	}
	return n, strings.Join(fields[1:], " "), nil
}

func parseMTR(raw string, hopLine func(string) (int, string, error)) (Hops, error) {
	hops := make(Hops)

	processingHops := false
	lastHopN := 0

	for _, line := range splitLines(raw) {
		line = strings.ReplaceAll(line, "^C", "")

		// Lines which show additional hosts from which a reply was
		// received for the same hop that was previously processed:
		//
		//	 7. 192.168.8.129      0.0%  2357    0.2   1.1   0.1  45.3   3.7
		//	    192.168.10.1
		//	    192.168.9.65
		head := line
		if len(head) > 4 {
			head = head[:4]
		}
		continuation := strings.TrimSpace(head) == ""

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "HOST:") || strings.HasPrefix(line, "Host ") {
			processingHops = true
			continue
		}

		if !processingHops {
			continue
		}

		line = strings.ReplaceAll(line, "(waiting for reply)", "???")

		if continuation {
			host := strings.Fields(line)[0]

			if lastHopN == 0 {
				return nil, fmt.Errorf("additional host %s found, but no hop was processed yet", host)
			}
			if len(hops[lastHopN]) == 0 {
				return nil, fmt.Errorf("additional host %s found for hop %d, but no previous hosts found", host, lastHopN)
			}

			hh := hops[lastHopN][0]
			hh.Host = host
			hops[lastHopN] = append(hops[lastHopN], hh)

			continue
		}

		thisHopN, rest, err := hopLine(line)
		if err != nil {
			return nil, err
		}

		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return nil, fmt.Errorf("no host found in %q", line)
		}

		host := fields[0]

		if strings.Contains(host, "?") {
			if _, ok := hops[thisHopN]; !ok {
				hops[thisHopN] = []HopHost{}
			}
			continue
		}

		if len(fields) < 7 {
			return nil, fmt.Errorf("not enough columns in %q", line)
		}

		loss, err := mtrFloat(strings.ReplaceAll(fields[1], "%", ""))
		if err != nil {
			return nil, fmt.Errorf("can't parse the loss value %s: %w", fields[1], err)
		}

		avg, err := mtrFloat(fields[4])
		if err != nil {
			return nil, fmt.Errorf("can't parse the avg RTT value %s: %w", fields[4], err)
		}
		minRTT, err := mtrFloat(fields[5])
		if err != nil {
			return nil, fmt.Errorf("can't parse the min RTT value %s: %w", fields[5], err)
		}
		maxRTT, err := mtrFloat(fields[6])
		if err != nil {
			return nil, fmt.Errorf("can't parse the max RTT value %s: %w", fields[6], err)
		}

		lastHopN = thisHopN

		hops[thisHopN] = append(hops[thisHopN], HopHost{
			Host:   host,
			Loss:   &loss,
			AvgRTT: &avg,
			MinRTT: &minRTT,
			MaxRTT: &maxRTT,
		})
	}

	if len(hops) == 0 {
		return nil, errNoHops
	}
	if err := hops.checkContiguous(); err != nil {
		return nil, err
	}

	return hops, nil
}

// mtrFloat parses a plain decimal number, rejecting anything that
// doesn't look like one (signs, exponents, spaces).
func mtrFloat(s string) (float64, error) {
	t := strings.Replace(s, ".", "", 1)
	if !isDigits(t) {
		return 0, fmt.Errorf("%q doesn't look like a float", s)
	}
	return strconv.ParseFloat(s, 64)
}
