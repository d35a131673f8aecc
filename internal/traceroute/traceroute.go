// Package traceroute holds the persisted traceroute model: the submitted raw
// text, its parsed hop/host rows and the enrichment facts attached to them.
package traceroute

import (
	"crypto/sha1"
	"encoding/hex"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/pierky/rich-traceroute/internal/config"
	"github.com/pierky/rich-traceroute/internal/ipinfo"
)

// Lifecycle statuses derived from the row flags.
const (
	StatusNotParsed = "not_parsed"
	StatusWIP       = "wip"
	StatusTimeout   = "timeout"
	StatusEnriched  = "enriched"
)

// NewID returns a fresh opaque record identifier: the hex SHA-1 of a random
// UUID, 40 characters.
func NewID() string {
	sum := sha1.Sum([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

type Traceroute struct {
	ID                  string
	Raw                 string
	Created             time.Time
	LastSeen            time.Time
	Parsed              bool
	Enriched            bool
	EnrichmentStarted   *time.Time
	EnrichmentCompleted *time.Time

	// Hops is populated on load, ordered by hop number.
	Hops []*Hop
}

type Hop struct {
	ID        int64
	HopNumber int
	Hosts     []*Host
}

type Host struct {
	ID           string
	HopID        int64
	HopNumber    int
	OriginalHost string

	AvgRTT *float64
	MinRTT *float64
	MaxRTT *float64
	Loss   *float64

	IP   *string
	Name *string

	Enriched bool

	Origins    []ipinfo.Origin
	IXPNetwork *ipinfo.IXPNetwork
}

// IsGlobal reports whether the host resolved to a globally routable address.
func (h *Host) IsGlobal() bool {
	if h.IP == nil {
		return false
	}
	addr, err := netip.ParseAddr(*h.IP)
	if err != nil {
		return false
	}
	return ipinfo.IsGlobalAddr(addr)
}

// Status derives the user-facing lifecycle state. A parsed traceroute whose
// enrichment did not complete within MaxEnrichmentTime reads as timed out.
func (t *Traceroute) Status() string {
	return t.statusAt(time.Now().UTC())
}

func (t *Traceroute) statusAt(now time.Time) string {
	if !t.Parsed {
		return StatusNotParsed
	}
	if t.Enriched {
		return StatusEnriched
	}
	if t.Created.Before(now.Add(-config.MaxEnrichmentTime)) {
		return StatusTimeout
	}
	return StatusWIP
}

// EnricherJob builds the broker job covering every host of the traceroute,
// in hop order.
func (t *Traceroute) EnricherJob() ipinfo.EnricherJob {
	job := ipinfo.EnricherJob{TracerouteID: t.ID}
	for _, hop := range t.Hops {
		for _, host := range hop.Hosts {
			job.Hosts = append(job.Hosts, ipinfo.EnricherJobHost{
				HopN:   hop.HopNumber,
				HostID: host.ID,
				Host:   host.OriginalHost,
			})
		}
	}
	return job
}

// HostDict is the JSON form of a host used by the APIs and the per-host
// enrichment events.
type HostDict struct {
	ID           string             `json:"id"`
	HopNumber    int                `json:"hop_number"`
	OriginalHost string             `json:"original_host"`
	AvgRTT       *float64           `json:"avg_rtt"`
	MinRTT       *float64           `json:"min_rtt"`
	MaxRTT       *float64           `json:"max_rtt"`
	Loss         *float64           `json:"loss"`
	IP           *string            `json:"ip"`
	IsGlobal     bool               `json:"is_global"`
	Name         *string            `json:"name"`
	Enriched     bool               `json:"enriched"`
	IXPNetwork   *ipinfo.IXPNetwork `json:"ixp_network"`
	Origins      []ipinfo.Origin    `json:"origins"`
}

func (h *Host) Dict() HostDict {
	d := HostDict{
		ID:           h.ID,
		HopNumber:    h.HopNumber,
		OriginalHost: h.OriginalHost,
		AvgRTT:       h.AvgRTT,
		MinRTT:       h.MinRTT,
		MaxRTT:       h.MaxRTT,
		Loss:         h.Loss,
		IP:           h.IP,
		IsGlobal:     h.IsGlobal(),
		Name:         h.Name,
		Enriched:     h.Enriched,
		IXPNetwork:   h.IXPNetwork,
	}
	if len(h.Origins) > 0 {
		d.Origins = h.Origins
	}
	return d
}

// Dict is the JSON form of a traceroute. Hop numbers become object keys.
type Dict struct {
	ID       string             `json:"id"`
	Status   string             `json:"status"`
	Enriched bool               `json:"enriched"`
	Parsed   bool               `json:"parsed"`
	Hops     map[int][]HostDict `json:"hops"`
}

func (t *Traceroute) Dict() Dict {
	d := Dict{
		ID:       t.ID,
		Status:   t.Status(),
		Enriched: t.Enriched,
		Parsed:   t.Parsed,
		Hops:     make(map[int][]HostDict, len(t.Hops)),
	}
	for _, hop := range t.Hops {
		hosts := make([]HostDict, 0, len(hop.Hosts))
		for _, host := range hop.Hosts {
			hosts = append(hosts, host.Dict())
		}
		d.Hops[hop.HopNumber] = hosts
	}
	return d
}
