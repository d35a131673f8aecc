package parsers

import "regexp"

// Inline MPLS label annotations, ex.: [MPLS: Label 24018 Exp 0]
var mplsLabel = regexp.MustCompile(`\[MPLS:.+\]`)

// iosxrParser handles IOS-XR traceroute output, which matches the
// BSD-like format once the MPLS label annotations are removed.
type iosxrParser struct{}

func (iosxrParser) Name() string { return "iosxr" }

func (iosxrParser) Parse(raw string) (Hops, error) {
	return parseBSDLines(mplsLabel.ReplaceAllString(raw, ""))
}
