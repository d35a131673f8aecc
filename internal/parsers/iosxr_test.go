package parsers

import "testing"

const fixtureIOSXR = `Type escape sequence to abort.
Tracing the route to 10.11.128.50

 1  192.168.0.1 [MPLS: Label 24018 Exp 0] 0 msec 1 msec 1 msec
 2  10.5.226.206 [MPLS: Label 24017 Exp 0] 98 msec 99 msec
    10.7.110.97 98 msec
 3  10.11.128.50 97 msec 98 msec 97 msec
`

func TestIOSXRParser(t *testing.T) {
	hops, err := iosxrParser{}.Parse(fixtureIOSXR)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	checkHops(t, hops, Hops{
		1: {hh("192.168.0.1", 0.667, 0, 1)},
		2: {hh("10.5.226.206", 98.5, 98, 99), hh("10.7.110.97", 98, 98, 98)},
		3: {hh("10.11.128.50", 97.333, 97, 98)},
	})
}

// Without stripping the MPLS label annotations the label values would
// be picked up as RTTs.
func TestIOSXRParserStripsMPLSLabels(t *testing.T) {
	hops, err := bsdParser{}.Parse(fixtureIOSXR)
	if err != nil {
		t.Fatalf("bsd Parse: %v", err)
	}
	maxRTT := *hops[1][0].MaxRTT
	if maxRTT != 24018 {
		t.Fatalf("expected the bsd parser to read the label value as an RTT, got max %g", maxRTT)
	}
}
