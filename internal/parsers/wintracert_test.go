package parsers

import "testing"

const fixtureWinTracert = `
Tracing route to dns.google [8.8.8.8]
over a maximum of 30 hops:

  1    <1 ms    <1 ms    <1 ms  172.16.0.5
  2     *        *        *     Request timed out.
  3     2 ms     6 ms     3 ms  122.56.168.186
  4     2 ms     3 ms     3 ms  122.56.99.240
  5     3 ms     3 ms     3 ms  122.56.99.243
  6     3 ms     2 ms     4 ms  host.example.net [122.56.116.6]
  7    16 ms     2 ms     3 ms  dns.google [8.8.8.8]

Trace complete.
`

func TestWinTracertParser(t *testing.T) {
	hops, err := winTracertParser{}.Parse(fixtureWinTracert)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	checkHops(t, hops, Hops{
		1: {hh("172.16.0.5", 0, 0, 0)},
		2: {},
		3: {hh("122.56.168.186", 3.667, 2, 6)},
		4: {hh("122.56.99.240", 2.667, 2, 3)},
		5: {hh("122.56.99.243", 3, 3, 3)},
		6: {hh("122.56.116.6", 3, 2, 4)},
		7: {hh("8.8.8.8", 7, 2, 16)},
	})
}

// RTT values with no address after them make the line unusable; an
// address with no RTT values before it is dropped instead.
func TestWinTracertParserEdgeCases(t *testing.T) {
	t.Run("rtts without ip", func(t *testing.T) {
		raw := "  1     1 ms     2 ms\n"
		if _, err := (winTracertParser{}).Parse(raw); err == nil {
			t.Fatal("expected error, got none")
		}
	})

	t.Run("ip without rtts is ignored", func(t *testing.T) {
		raw := "  1    10.0.0.1     1 ms     2 ms     3 ms  10.0.0.2\n"
		hops, err := winTracertParser{}.Parse(raw)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		checkHops(t, hops, Hops{
			1: {hh("10.0.0.2", 2, 1, 3)},
		})
	})

	t.Run("hop number jump", func(t *testing.T) {
		raw := "  1     1 ms     1 ms     1 ms  10.0.0.1\n" +
			"  3     2 ms     2 ms     2 ms  10.0.0.3\n"
		if _, err := (winTracertParser{}).Parse(raw); err == nil {
			t.Fatal("expected error, got none")
		}
	})

	t.Run("sub millisecond rtts", func(t *testing.T) {
		raw := "  1    <1 ms     1 ms    <1 ms  10.0.0.1\n"
		hops, err := winTracertParser{}.Parse(raw)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		checkHops(t, hops, Hops{
			1: {hh("10.0.0.1", 0.333, 0, 1)},
		})
	})
}
