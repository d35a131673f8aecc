// Package parsers extracts hops and hosts from raw textual traceroute
// output. Several formats are supported; Best runs every registered
// parser and picks the result covering the largest number of hosts.
package parsers

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// HopHost is a single host observed at a given hop, together with the
// per-host figures the originating tool reported. Fields that the
// format does not carry are left nil.
type HopHost struct {
	Host   string
	Loss   *float64
	AvgRTT *float64
	MinRTT *float64
	MaxRTT *float64
}

// Hops maps hop numbers to the hosts seen at that hop. A hop that only
// produced missing replies is present with an empty slice.
type Hops map[int][]HopHost

// Numbers returns the hop numbers in ascending order.
func (h Hops) Numbers() []int {
	res := make([]int, 0, len(h))
	for n := range h {
		res = append(res, n)
	}
	sort.Ints(res)
	return res
}

// checkContiguous verifies the hop numbers form the sequence 1..N.
func (h Hops) checkContiguous() error {
	last := 0
	for _, n := range h.Numbers() {
		if n != last+1 {
			return fmt.Errorf("hop %d found, but the previous one was %d", n, last)
		}
		last = n
	}
	return nil
}

func (h Hops) totalHosts() int {
	res := 0
	for _, hosts := range h {
		res += len(hosts)
	}
	return res
}

// Parser turns raw traceroute output into Hops. Implementations return
// an error when the input does not look like their format.
type Parser interface {
	Name() string
	Parse(raw string) (Hops, error)
}

// Registration order matters: when two parsers extract the same number
// of hosts from the same input, the one registered first wins.
var registry = []Parser{
	mtrJSONParser{},
	mtrParser{},
	junosParser{},
	linuxParser{},
	iosxrParser{},
	bsdParser{},
	winTracertParser{},
	winMTRParser{},
	unknownFormat1Parser{},
}

// Best runs raw through every registered parser and returns the hops
// extracted by the most successful one, along with the parser name.
// The third return value is false when no parser could handle the
// input.
func Best(raw string) (Hops, string, bool) {
	type candidate struct {
		hops Hops
		name string
	}

	var candidates []candidate

	for _, p := range registry {
		hops, err := p.Parse(raw)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{hops: hops, name: p.Name()})
	}

	if len(candidates) == 0 {
		return nil, "", false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].hops.totalHosts() > candidates[j].hops.totalHosts()
	})

	return candidates[0].hops, candidates[0].name, true
}

var errNoHops = errors.New("no hops found")

// splitLines splits raw on any of the common line terminators.
func splitLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	return strings.Split(raw, "\n")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var hostnameLabel = regexp.MustCompile(`(?i)^[_a-z0-9]([_a-z0-9-]{0,61}[_a-z0-9])?$`)

// looksLikeAHostname reports whether s could plausibly be a hostname.
// Strings shorter than 4 characters are assumed not to be hostnames,
// and the RTT units "ms"/"msec" are rejected outright.
func looksLikeAHostname(s string) bool {
	switch strings.ToLower(s) {
	case "ms", "msec":
		return false
	}

	s = strings.TrimSuffix(s, ".")

	if len(s) < 4 || len(s) > 253 {
		return false
	}

	for _, label := range strings.Split(s, ".") {
		if !hostnameLabel.MatchString(label) {
			return false
		}
	}

	return true
}

// extractRTT parses an RTT value from a token, tolerating an attached
// "ms" or "msec" unit suffix.
func extractRTT(s string) (float64, error) {
	t := strings.TrimSuffix(s, "msec")
	if t == s {
		t = strings.TrimSuffix(s, "ms")
	}
	t = strings.TrimSpace(t)

	if t == "" {
		return 0, fmt.Errorf("no RTT value in %q", s)
	}

	v, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, fmt.Errorf("can't parse RTT from %q", s)
	}
	return v, nil
}
