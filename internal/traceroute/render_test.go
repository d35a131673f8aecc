package traceroute

import (
	"strings"
	"testing"

	"github.com/pierky/rich-traceroute/internal/ipinfo"
)

func f64(v float64) *float64 { return &v }

// normalizeText drops blank lines and trailing spaces, so the
// expected blocks can be kept readable inside this file.
func normalizeText(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, strings.TrimRight(line, " \t"))
	}
	return strings.Join(lines, "\n")
}

func checkText(t *testing.T, tr *Traceroute, want string) {
	t.Helper()
	got := tr.ToText()
	if normalizeText(got) != normalizeText(want) {
		t.Fatalf("rendered text mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
}

// testHost builds an enriched host row. Empty ip or name mean the
// enrichment left them unset.
func testHost(original, ip, name string, loss *float64, avg float64, origins []ipinfo.Origin, ixp *ipinfo.IXPNetwork) *Host {
	h := &Host{
		ID:           NewID(),
		OriginalHost: original,
		AvgRTT:       f64(avg),
		MinRTT:       f64(avg),
		MaxRTT:       f64(avg),
		Loss:         loss,
		Enriched:     true,
		Origins:      origins,
		IXPNetwork:   ixp,
	}
	if ip != "" {
		h.IP = &ip
	}
	if name != "" {
		h.Name = &name
	}
	return h
}

func testTraceroute(hops ...*Hop) *Traceroute {
	t := &Traceroute{
		ID:       NewID(),
		Parsed:   true,
		Enriched: true,
		Hops:     hops,
	}
	for n, hop := range t.Hops {
		hop.HopNumber = n + 1
		for _, host := range hop.Hosts {
			host.HopNumber = hop.HopNumber
		}
	}
	return t
}

var (
	originsFastweb = []ipinfo.Origin{{ASN: 12874, Holder: "FASTWEB - Fastweb SpA"}}
	originsGoogle  = []ipinfo.Origin{{ASN: 15169, Holder: "GOOGLE"}}
	originsCF      = []ipinfo.Origin{{ASN: 13335, Holder: "CLOUDFLARENET"}}
	originsMIX     = []ipinfo.Origin{{ASN: 16004, Holder: "MIXITA-AS - MIX S.r.L. Milan Internet eXchange"}}
	originsSeflow  = []ipinfo.Origin{{ASN: 49367, Holder: "ASSEFLOW - Seflow s.n.c. Di Marco Brame' & C."}}
	originsMOAS    = []ipinfo.Origin{
		{ASN: 65501, Holder: "Origin AS1 of a MOAS prefix"},
		{ASN: 65502, Holder: "Origin AS2 of a MOAS prefix"},
	}
)

func TestToTextWithLoss(t *testing.T) {
	z := f64(0)

	tr := testTraceroute(
		&Hop{Hosts: []*Host{testHost("192.168.1.254", "192.168.1.254", "", z, 5.48, nil, nil)}},
		&Hop{Hosts: []*Host{testHost("10.1.131.181", "10.1.131.181", "", z, 16.35, nil, nil)}},
		&Hop{Hosts: []*Host{testHost("10.250.139.186", "10.250.139.186", "", z, 11.60, nil, nil)}},
		&Hop{Hosts: []*Host{testHost("10.254.0.217", "10.254.0.217", "", z, 12.56, nil, nil)}},
		&Hop{Hosts: []*Host{testHost("89.97.200.190", "89.97.200.190", "", z, 11.43, originsFastweb, nil)}},
		&Hop{Hosts: []*Host{testHost("62-101-124-17.fastres.net", "62.101.124.17", "62-101-124-17.fastres.net", z, 59.78, originsFastweb, nil)}},
		&Hop{Hosts: []*Host{testHost("209.85.168.64", "209.85.168.64", "", z, 19.72, originsGoogle, nil)}},
		&Hop{Hosts: []*Host{testHost("216.239.51.9", "216.239.51.9", "", z, 21.97, originsGoogle, nil)}},
		&Hop{Hosts: []*Host{testHost("216.239.50.241", "216.239.50.241", "", z, 19.91, originsGoogle, nil)}},
		&Hop{Hosts: []*Host{testHost("dns.google", "8.8.8.8", "dns.google", z, 22.86, originsGoogle, nil)}},
	)

	checkText(t, tr, `
 Hop IP               Loss         RTT   Origin                               Reverse
  1. 192.168.1.254      0%     5.48 ms
  2. 10.1.131.181       0%    16.35 ms
  3. 10.250.139.186     0%    11.60 ms
  4. 10.254.0.217       0%    12.56 ms
  5. 89.97.200.190      0%    11.43 ms   AS12874  FASTWEB - Fastweb SpA
  6. 62.101.124.17      0%    59.78 ms   AS12874  FASTWEB - Fastweb SpA       62-101-124-17.fastres.net
  7. 209.85.168.64      0%    19.72 ms   AS15169  GOOGLE
  8. 216.239.51.9       0%    21.97 ms   AS15169  GOOGLE
  9. 216.239.50.241     0%    19.91 ms   AS15169  GOOGLE
 10. 8.8.8.8            0%    22.86 ms   AS15169  GOOGLE                      dns.google
`)
}

// Hops answered by multiple hosts render one line per host, ordered by
// address, with the hop number only on the first one.
func TestToTextMultipleHostsPerHop(t *testing.T) {
	tr := testTraceroute(
		&Hop{Hosts: []*Host{testHost("192.168.1.254", "192.168.1.254", "", nil, 3.444, nil, nil)}},
		&Hop{Hosts: []*Host{testHost("10.1.131.181", "10.1.131.181", "", nil, 9.759, nil, nil)}},
		&Hop{Hosts: []*Host{testHost("10.250.139.186", "10.250.139.186", "", nil, 14.33, nil, nil)}},
		&Hop{Hosts: []*Host{
			testHost("10.254.0.217", "10.254.0.217", "", nil, 12.849, nil, nil),
			testHost("10.254.0.221", "10.254.0.221", "", nil, 13.178, nil, nil),
		}},
		&Hop{Hosts: []*Host{
			testHost("89.97.200.190", "89.97.200.190", "", nil, 13.019, originsFastweb, nil),
			testHost("89.97.200.201", "89.97.200.201", "", nil, 12.929, originsFastweb, nil),
			testHost("89.97.200.186", "89.97.200.186", "", nil, 11.096, originsFastweb, nil),
		}},
		&Hop{Hosts: []*Host{
			testHost("93.57.68.145", "93.57.68.145", "", nil, 12.909, originsFastweb, nil),
			testHost("93.57.68.149", "93.57.68.149", "", nil, 15.658, originsFastweb, nil),
		}},
		&Hop{Hosts: []*Host{testHost("193.201.28.33", "193.201.28.33", "cloudflare-nap.namex.it", nil, 27.094, nil, nil)}},
		&Hop{Hosts: []*Host{
			testHost("172.68.197.130", "172.68.197.130", "", nil, 32.96, originsCF, nil),
			testHost("172.68.197.8", "172.68.197.8", "", nil, 33.978, originsCF, nil),
		}},
		&Hop{},
		&Hop{},
	)

	checkText(t, tr, `
 Hop IP                     RTT   Origin                               Reverse
  1. 192.168.1.254      3.44 ms
  2. 10.1.131.181       9.76 ms
  3. 10.250.139.186    14.33 ms
  4. 10.254.0.217      12.85 ms
     10.254.0.221      13.18 ms
  5. 89.97.200.186     11.10 ms   AS12874  FASTWEB - Fastweb SpA
     89.97.200.190     13.02 ms   AS12874  FASTWEB - Fastweb SpA
     89.97.200.201     12.93 ms   AS12874  FASTWEB - Fastweb SpA
  6. 93.57.68.145      12.91 ms   AS12874  FASTWEB - Fastweb SpA
     93.57.68.149      15.66 ms   AS12874  FASTWEB - Fastweb SpA
  7. 193.201.28.33     27.09 ms                                        cloudflare-nap.namex.it
  8. 172.68.197.130    32.96 ms   AS13335  CLOUDFLARENET
     172.68.197.8      33.98 ms   AS13335  CLOUDFLARENET
  9. *
 10. *
`)
}

func TestToTextIXPNetwork(t *testing.T) {
	z := f64(0)
	mixLAN := &ipinfo.IXPNetwork{
		LanName:       ipinfo.StringOrNil("Test LAN"),
		IXName:        ipinfo.StringOrNil("MIX-IT"),
		IXDescription: ipinfo.StringOrNil("Milan Internet Exchange"),
	}

	tr := testTraceroute(
		&Hop{Hosts: []*Host{testHost("192.168.1.254", "192.168.1.254", "", z, 3.79, nil, nil)}},
		&Hop{Hosts: []*Host{testHost("10.1.131.181", "10.1.131.181", "", z, 14.78, nil, nil)}},
		&Hop{Hosts: []*Host{testHost("10.250.139.190", "10.250.139.190", "", z, 10.71, nil, nil)}},
		&Hop{Hosts: []*Host{testHost("10.254.0.221", "10.254.0.221", "", z, 10.69, nil, nil)}},
		&Hop{Hosts: []*Host{testHost("89.97.200.201", "89.97.200.201", "", z, 10.68, originsFastweb, nil)}},
		&Hop{Hosts: []*Host{testHost("93.63.100.141", "93.63.100.141", "93-63-100-141.ip27.fastwebnet.it", z, 19.02, originsFastweb, nil)}},
		&Hop{Hosts: []*Host{testHost("217.29.66.1", "217.29.66.1", "mix-1.mix-it.net", z, 22.22, nil, mixLAN)}},
		&Hop{Hosts: []*Host{testHost("217.29.76.16", "217.29.76.16", "kroot-server1.mix-it.net", z, 18.74, originsMIX, nil)}},
	)

	checkText(t, tr, `
 Hop IP               Loss         RTT   Origin                               Reverse
  1. 192.168.1.254      0%     3.79 ms
  2. 10.1.131.181       0%    14.78 ms
  3. 10.250.139.190     0%    10.71 ms
  4. 10.254.0.221       0%    10.69 ms
  5. 89.97.200.201      0%    10.68 ms   AS12874  FASTWEB - Fastweb SpA
  6. 93.63.100.141      0%    19.02 ms   AS12874  FASTWEB - Fastweb SpA       93-63-100-141.ip27.fastwebnet.it
  7. 217.29.66.1        0%    22.22 ms   IX: MIX-IT                           mix-1.mix-it.net
  8. 217.29.76.16       0%    18.74 ms   AS16004  MIXITA-AS - MIX S.r.L....   kroot-server1.mix-it.net
`)
}

// A MOAS prefix renders one origin per line; the continuation lines
// are indented to the origin column and only the first one carries
// the reverse.
func TestToTextMOASPrefix(t *testing.T) {
	tr := testTraceroute(
		&Hop{Hosts: []*Host{testHost("72.14.232.198", "72.14.232.198", "", nil, 19.603, originsGoogle, nil)}},
		&Hop{Hosts: []*Host{testHost("94.198.103.149", "94.198.103.149", "google-demarc.seflow.it", nil, 19.542, originsSeflow, nil)}},
		&Hop{},
		&Hop{},
		&Hop{Hosts: []*Host{testHost("94.198.103.142", "94.198.103.142", "mix.gw.mix-ddos.seflow.it", nil, 19.443, originsMOAS, nil)}},
		&Hop{Hosts: []*Host{testHost("217.29.72.146", "217.29.72.146", "fw.mix-it.net", nil, 13.627, originsMIX, nil)}},
		&Hop{},
		&Hop{},
	)

	checkText(t, tr, `
 Hop IP                     RTT   Origin                               Reverse
  1. 72.14.232.198     19.60 ms   AS15169  GOOGLE
  2. 94.198.103.149    19.54 ms   AS49367  ASSEFLOW - Seflow...        google-demarc.seflow.it
  3. *
  4. *
  5. 94.198.103.142    19.44 ms   AS65501  Origin AS1 of a MOAS...     mix.gw.mix-ddos.seflow.it
                                  AS65502  Origin AS2 of a MOAS...
  6. 217.29.72.146     13.63 ms   AS16004  MIXITA-AS - MIX S.r.L....   fw.mix-it.net
  7. *
  8. *
`)
}

// A traceroute that never parsed still renders the header.
func TestToTextNoHops(t *testing.T) {
	tr := &Traceroute{ID: NewID(), Raw: "garbage"}

	got := normalizeText(tr.ToText())
	want := " Hop IP   Origin" + strings.Repeat(" ", 31) + "Reverse"
	if got != want {
		t.Fatalf("rendered text mismatch\ngot:\n%q\nwant:\n%q", got, want)
	}
}

func TestShorten(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"FASTWEB - Fastweb SpA", 25, "FASTWEB - Fastweb SpA"},
		{"MIXITA-AS - MIX S.r.L. Milan Internet eXchange", 25, "MIXITA-AS - MIX S.r.L...."},
		{"ASSEFLOW - Seflow s.n.c. Di Marco Brame' & C.", 25, "ASSEFLOW - Seflow..."},
		{"Origin AS1 of a MOAS prefix", 25, "Origin AS1 of a MOAS..."},
		{"spaces   are    collapsed", 25, "spaces are collapsed"},
		{"Supercalifragilistic", 10, "Superca..."},
		{"", 25, ""},
	}

	for _, tc := range tests {
		if got := shorten(tc.in, tc.width); got != tc.want {
			t.Errorf("shorten(%q, %d) = %q, want %q", tc.in, tc.width, got, tc.want)
		}
	}
}
