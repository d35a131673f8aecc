// parse-raw is a debug aid: it runs the parser registry over a traceroute
// file and prints the selected parser and the rendered result.
package main

import (
	"fmt"
	"os"

	"github.com/pierky/rich-traceroute/internal/parsers"
	"github.com/pierky/rich-traceroute/internal/traceroute"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: parse-raw <file>")
		os.Exit(1)
	}

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	hops, format, ok := parsers.Best(string(raw))
	if !ok {
		fmt.Println("No parser could handle the input.")
		os.Exit(1)
	}

	fmt.Printf("Parser: %s\n\n", format)

	t := &traceroute.Traceroute{Parsed: true}
	for _, hopN := range hops.Numbers() {
		hop := &traceroute.Hop{HopNumber: hopN}
		for _, parsedHost := range hops[hopN] {
			hop.Hosts = append(hop.Hosts, &traceroute.Host{
				HopNumber:    hopN,
				OriginalHost: parsedHost.Host,
				AvgRTT:       parsedHost.AvgRTT,
				MinRTT:       parsedHost.MinRTT,
				MaxRTT:       parsedHost.MaxRTT,
				Loss:         parsedHost.Loss,
			})
		}
		t.Hops = append(t.Hops, hop)
	}

	fmt.Println(t.ToText())
}
