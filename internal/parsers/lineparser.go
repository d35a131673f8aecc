package parsers

import (
	"fmt"
	"math"
	"slices"
)

// lineAccumulator collects per-hop host and RTT samples for the
// parsers that process traceroute output one line at a time. Hops are
// recorded in the order they are first seen; flatten validates that
// the order is the contiguous sequence 1..N.
type lineAccumulator struct {
	order []int
	hops  map[int]*hopSamples
}

// hopSamples holds what was observed for a single hop: either the
// total absence of replies, or one or more hosts with their RTTs.
type hopSamples struct {
	noReplies bool
	hosts     []string
	rtts      map[string][]float64
}

func newLineAccumulator() *lineAccumulator {
	return &lineAccumulator{hops: make(map[int]*hopSamples)}
}

// addNoReplies records that no replies at all were observed for hopN.
// It is an error to mark a hop that already has records.
func (a *lineAccumulator) addNoReplies(hopN int) error {
	if _, ok := a.hops[hopN]; ok {
		return fmt.Errorf("hop %d: no replies observed, but records for the hop already exist", hopN)
	}
	a.order = append(a.order, hopN)
	a.hops[hopN] = &hopSamples{noReplies: true}
	return nil
}

// addHost appends RTT samples for host at hopN, creating the hop and
// host records as needed. Calling it again for the same hop and host
// extends the host's RTT list.
func (a *lineAccumulator) addHost(hopN int, host string, rtts []float64) error {
	s, ok := a.hops[hopN]
	if !ok {
		s = &hopSamples{rtts: make(map[string][]float64)}
		a.order = append(a.order, hopN)
		a.hops[hopN] = s
	}

	if s.noReplies {
		return fmt.Errorf("hop %d: host %s found, but the hop was recorded as having no replies", hopN, host)
	}

	if _, ok := s.rtts[host]; !ok {
		s.hosts = append(s.hosts, host)
	}
	s.rtts[host] = append(s.rtts[host], rtts...)
	return nil
}

// flatten turns the accumulated samples into Hops, computing the
// average, minimum and maximum RTT per host.
func (a *lineAccumulator) flatten() (Hops, error) {
	if len(a.order) == 0 {
		return nil, errNoHops
	}

	hops := make(Hops, len(a.order))
	last := 0

	for _, hopN := range a.order {
		if hopN != last+1 {
			return nil, fmt.Errorf("hop %d found, but the previous one was %d", hopN, last)
		}

		s := a.hops[hopN]
		hosts := []HopHost{}

		for _, host := range s.hosts {
			rtts := s.rtts[host]
			if len(rtts) == 0 {
				return nil, fmt.Errorf("hop %d: host %s has no RTT samples", hopN, host)
			}

			sum := 0.0
			for _, v := range rtts {
				sum += v
			}
			avg := round3(sum / float64(len(rtts)))
			minRTT := slices.Min(rtts)
			maxRTT := slices.Max(rtts)

			hosts = append(hosts, HopHost{
				Host:   host,
				AvgRTT: &avg,
				MinRTT: &minRTT,
				MaxRTT: &maxRTT,
			})
		}

		hops[hopN] = hosts
		last = hopN
	}

	return hops, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
