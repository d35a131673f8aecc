// Package ipinfo holds the prefix-level enrichment facts exchanged between
// workers and persisted for reuse: which ASNs originate a prefix and, for
// peering-LAN prefixes, which Internet Exchange the prefix belongs to.
package ipinfo

import (
	"encoding/json"
	"fmt"
	"net/netip"
)

// Origin is one (ASN, holder) pair announcing a prefix. On the wire it is a
// two-element JSON array.
type Origin struct {
	ASN    int64
	Holder string
}

func (o Origin) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{o.ASN, o.Holder})
}

func (o *Origin) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("origin must be a [asn, holder] pair: %w", err)
	}
	if err := json.Unmarshal(raw[0], &o.ASN); err != nil {
		return fmt.Errorf("origin asn: %w", err)
	}
	if err := json.Unmarshal(raw[1], &o.Holder); err != nil {
		return fmt.Errorf("origin holder: %w", err)
	}
	return nil
}

// IXPNetwork describes the IX LAN a prefix is assigned to. Unset attributes
// are null on the wire.
type IXPNetwork struct {
	LanName       *string `json:"lan_name"`
	IXName        *string `json:"ix_name"`
	IXDescription *string `json:"ix_description"`
}

// IPDBInfo is the enrichment record for one prefix. Origins and IXPNetwork
// are both optional: a transit prefix has origins only, an IXP LAN prefix an
// IXP network only.
type IPDBInfo struct {
	Prefix     netip.Prefix `json:"prefix"`
	Origins    []Origin     `json:"origins"`
	IXPNetwork *IXPNetwork  `json:"ixp_network"`
}

// MarshalJSON collapses empty origins to null, the canonical wire form.
func (i IPDBInfo) MarshalJSON() ([]byte, error) {
	type alias IPDBInfo
	a := alias(i)
	if len(a.Origins) == 0 {
		a.Origins = nil
	}
	return json.Marshal(a)
}

// EnricherJobHost is one host of an enrichment job: the hop it belongs to,
// the persisted Host row ID and the literal host string from the traceroute.
type EnricherJobHost struct {
	HopN   int    `json:"hop_n"`
	HostID string `json:"host_id"`
	Host   string `json:"host"`
}

// EnricherJob asks a worker to enrich all hosts of one traceroute.
type EnricherJob struct {
	TracerouteID string            `json:"traceroute_id"`
	Hosts        []EnricherJobHost `json:"hosts"`
}

// StringOrNil maps an empty string to nil, the convention used when
// importing registry attributes that use "" for absent values.
func StringOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nonGlobalPrefixes lists the special-purpose ranges that are not globally
// routable but are not covered by the netip classification helpers.
var nonGlobalPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsGlobalAddr reports whether addr is globally routable. Only globally
// routable addresses are eligible for prefix lookups and reverse DNS.
func IsGlobalAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() {
		return false
	}
	for _, p := range nonGlobalPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}
