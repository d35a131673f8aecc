package parsers

import "testing"

const fixtureBSD = `traceroute to 8.8.8.8 (8.8.8.8), 64 hops max, 52 byte packets
 1  192.168.1.254 (192.168.1.254)  3.641 ms  3.118 ms  3.574 ms
 2  10.1.131.181 (10.1.131.181)  9.465 ms  9.502 ms  10.311 ms
 3  10.250.139.186 (10.250.139.186)  14.007 ms  14.016 ms  14.967 ms
 4  10.254.0.217 (10.254.0.217)  12.522 ms  12.850 ms  13.175 ms
    10.254.0.221 (10.254.0.221)  13.178 ms
 5  89.97.200.190 (89.97.200.190)  13.019 ms
    89.97.200.201 (89.97.200.201)  12.929 ms
    89.97.200.186 (89.97.200.186)  11.096 ms
 6  93.57.68.145 (93.57.68.145)  11.639 ms  12.908 ms  14.180 ms
    93.57.68.149 (93.57.68.149)  15.658 ms
 7  193.201.28.33 (193.201.28.33)  26.245 ms  26.649 ms  28.388 ms
 8  172.68.197.130 (172.68.197.130)  32.960 ms
    172.68.197.8 (172.68.197.8)  33.756 ms  34.200 ms
 9  * * *
10  * * *
`

func TestBSDParser(t *testing.T) {
	hops, err := bsdParser{}.Parse(fixtureBSD)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	checkHops(t, hops, Hops{
		1:  {hh("192.168.1.254", 3.444, 3.118, 3.641)},
		2:  {hh("10.1.131.181", 9.759, 9.465, 10.311)},
		3:  {hh("10.250.139.186", 14.33, 14.007, 14.967)},
		4:  {hh("10.254.0.217", 12.849, 12.522, 13.175), hh("10.254.0.221", 13.178, 13.178, 13.178)},
		5:  {hh("89.97.200.190", 13.019, 13.019, 13.019), hh("89.97.200.201", 12.929, 12.929, 12.929), hh("89.97.200.186", 11.096, 11.096, 11.096)},
		6:  {hh("93.57.68.145", 12.909, 11.639, 14.18), hh("93.57.68.149", 15.658, 15.658, 15.658)},
		7:  {hh("193.201.28.33", 27.094, 26.245, 28.388)},
		8:  {hh("172.68.197.130", 32.96, 32.96, 32.96), hh("172.68.197.8", 33.978, 33.756, 34.2)},
		9:  {},
		10: {},
	})
}

// Lines whose first three columns hold no hop number extend the
// previous hop; a hop number may only repeat or advance by one.
func TestBSDParserErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "no hops at all",
			raw:  "no traceroute here\n",
		},
		{
			name: "hop number jump",
			raw: " 1  10.0.0.1 (10.0.0.1)  1.100 ms\n" +
				" 3  10.0.0.3 (10.0.0.3)  2.200 ms\n",
		},
		{
			name: "ip without rtts nor missing replies",
			raw:  " 1  10.0.0.1 (10.0.0.1)\n",
		},
		{
			name: "neither ip nor missing replies",
			raw:  " 1  3.000 ms\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := (bsdParser{}).Parse(tc.raw); err == nil {
				t.Fatal("expected error, got none")
			}
		})
	}
}

// A continuation line before any hop line belongs to hop 0 and is
// dropped without raising.
func TestBSDParserLeadingContinuation(t *testing.T) {
	raw := "    10.254.0.221 (10.254.0.221)  13.178 ms\n" +
		" 1  10.0.0.1 (10.0.0.1)  1.500 ms\n"
	hops, err := bsdParser{}.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	checkHops(t, hops, Hops{
		1: {hh("10.0.0.1", 1.5, 1.5, 1.5)},
	})
}
