package traceroute

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Width of the origin-AS holder / IXP name column.
const ipDetailsWidth = 25

// ToText renders the enriched traceroute as a fixed-width text table.
// Columns adapt to the data: the loss column only appears when at
// least one host carries a loss figure, the RTT one when at least one
// host has a non-zero average RTT. Hosts of a hop are listed sorted by
// their resolved address, falling back to the original host string;
// additional origins of a MOAS prefix continue on indented lines.
func (t *Traceroute) ToText() string {
	hasLoss := false
	hasRTT := false
	maxHostLen := 0

	for _, hop := range t.Hops {
		for _, host := range hop.Hosts {
			if host.Loss != nil {
				hasLoss = true
			}
			if host.AvgRTT != nil && *host.AvgRTT != 0 {
				hasRTT = true
			}
			if n := len(hostDisplay(host)); n > maxHostLen {
				maxHostLen = n
			}
		}
	}

	leftmost := func(hopTxt, host string) string {
		return fmt.Sprintf("%4s %-*s", hopTxt, maxHostLen+2, host)
	}

	var b strings.Builder

	head := leftmost("Hop", "IP")
	if hasLoss {
		head += fmt.Sprintf(" %4s", "Loss")
	}
	if hasRTT {
		if hasLoss {
			head += "  "
		}
		head += fmt.Sprintf("%10s", "RTT")
	}
	head += fmt.Sprintf("   %-8s %-*s   %s", "Origin", ipDetailsWidth, "", "Reverse")
	b.WriteString(head + "\n")

	for _, hop := range t.Hops {
		if len(hop.Hosts) == 0 {
			b.WriteString(leftmost(strconv.Itoa(hop.HopNumber)+".", "*") + "\n")
			continue
		}

		hosts := append([]*Host(nil), hop.Hosts...)
		sort.SliceStable(hosts, func(i, j int) bool {
			return hostDisplay(hosts[i]) < hostDisplay(hosts[j])
		})

		for idx, host := range hosts {
			hopTxt := ""
			if idx == 0 {
				hopTxt = strconv.Itoa(hop.HopNumber) + "."
			}

			line := leftmost(hopTxt, hostDisplay(host))

			if hasLoss {
				lossTxt := ""
				if host.Loss != nil {
					lossTxt = strconv.Itoa(int(math.Round(*host.Loss)))
				}
				line += fmt.Sprintf(" %3s%%", lossTxt)
			}

			if hasRTT {
				if hasLoss {
					line += "  "
				}
				rttTxt := ""
				if host.AvgRTT != nil {
					rttTxt = fmt.Sprintf("%7.2f", *host.AvgRTT)
				}
				line += fmt.Sprintf("%7s ms", rttTxt)
			}

			b.WriteString(line)

			name := ""
			if host.Name != nil {
				name = *host.Name
			}

			infoLines := 0

			for _, origin := range host.Origins {
				infoLines++

				if infoLines > 1 {
					b.WriteString("\n" + strings.Repeat(" ", len(line)))
				}

				lineName := ""
				if infoLines == 1 {
					lineName = name
				}
				b.WriteString(fmt.Sprintf("   %-8s %-*s   %s",
					"AS"+strconv.FormatInt(origin.ASN, 10),
					ipDetailsWidth, shorten(origin.Holder, ipDetailsWidth),
					lineName))
			}

			if host.IXPNetwork != nil {
				infoLines++

				lineName := ""
				if infoLines == 1 {
					lineName = name
				}
				ixName := ""
				if host.IXPNetwork.IXName != nil {
					ixName = *host.IXPNetwork.IXName
				}
				b.WriteString(fmt.Sprintf("   %-*s   %s",
					ipDetailsWidth+9, shorten("IX: "+ixName, ipDetailsWidth),
					lineName))
			}

			if infoLines == 0 && name != "" {
				b.WriteString(fmt.Sprintf("   %-8s %-*s   %s",
					"", ipDetailsWidth, "", name))
			}

			b.WriteString("\n")
		}
	}

	return b.String()
}

func hostDisplay(h *Host) string {
	if h.IP != nil && *h.IP != "" {
		return *h.IP
	}
	return h.OriginalHost
}

// shorten collapses whitespace runs and truncates the text at a word
// boundary so that, with the trailing ellipsis, it fits the given
// width.
func shorten(s string, width int) string {
	words := strings.Fields(s)
	joined := strings.Join(words, " ")
	if len(joined) <= width {
		return joined
	}

	const placeholder = "..."

	res := ""
	for _, w := range words {
		candidate := w
		if res != "" {
			candidate = res + " " + w
		}
		if len(candidate)+len(placeholder) > width {
			break
		}
		res = candidate
	}

	if res == "" {
		cut := width - len(placeholder)
		if cut < 0 {
			cut = 0
		} else if cut > len(joined) {
			cut = len(joined)
		}
		res = joined[:cut]
	}

	return res + placeholder
}
