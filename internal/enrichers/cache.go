package enrichers

import (
	"net/netip"
	"sync"
	"time"

	"github.com/tchap/go-patricia/v2/patricia"

	"github.com/pierky/rich-traceroute/internal/config"
	"github.com/pierky/rich-traceroute/internal/ipinfo"
	"github.com/pierky/rich-traceroute/internal/metrics"
)

// Cache is the longest-prefix-match IP-info cache shared by the enrichers
// of one consumer. Prefixes are keyed by their bit string in a patricia
// trie, so walking the trie along an address's bits visits every covering
// prefix; the deepest one wins.
type Cache struct {
	mu   sync.Mutex
	trie *patricia.Trie
	size int
}

type cacheEntry struct {
	info        ipinfo.IPDBInfo
	lastUpdated time.Time
}

func NewCache() *Cache {
	return &Cache{trie: patricia.NewTrie()}
}

// bitKey encodes the first n bits of addr as an ASCII '0'/'1' string, with
// a leading family marker so IPv4 and IPv6 prefixes never collide.
func bitKey(addr netip.Addr, n int) patricia.Prefix {
	marker := byte('4')
	if addr.Is6() {
		marker = '6'
	}

	key := make([]byte, 1, n+1)
	key[0] = marker

	raw := addr.AsSlice()
	for i := 0; i < n; i++ {
		bit := raw[i/8] >> (7 - i%8) & 1
		key = append(key, '0'+bit)
	}
	return key
}

func prefixKey(p netip.Prefix) patricia.Prefix {
	return bitKey(p.Addr(), p.Bits())
}

func addrKey(a netip.Addr) patricia.Prefix {
	return bitKey(a, a.BitLen())
}

// Get performs the LPM lookup. An entry whose record is older than
// IPInfoExpiry is dropped and reported as a miss, so the enricher
// refetches it from the external sources.
func (c *Cache) Get(addr netip.Addr) *ipinfo.IPDBInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestKey patricia.Prefix
	var best *cacheEntry

	// VisitPrefixes walks from the shortest covering prefix to the
	// longest, so the last visited entry is the LPM result.
	c.trie.VisitPrefixes(addrKey(addr),
		func(key patricia.Prefix, item patricia.Item) error {
			bestKey = key
			best = item.(*cacheEntry)
			return nil
		})

	if best == nil {
		metrics.IPInfoCacheLookups.WithLabelValues("miss").Inc()
		return nil
	}

	if time.Since(best.lastUpdated) > config.IPInfoExpiry {
		c.trie.Delete(bestKey)
		c.size--
		metrics.IPInfoCacheSize.Set(float64(c.size))
		metrics.IPInfoCacheLookups.WithLabelValues("expired").Inc()
		return nil
	}

	metrics.IPInfoCacheLookups.WithLabelValues("hit").Inc()
	info := best.info
	return &info
}

// Add upserts the record for info's prefix.
func (c *Cache) Add(info ipinfo.IPDBInfo, lastUpdated time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := prefixKey(info.Prefix)
	entry := &cacheEntry{info: info, lastUpdated: lastUpdated}

	if c.trie.Insert(key, entry) {
		c.size++
		metrics.IPInfoCacheSize.Set(float64(c.size))
	} else {
		c.trie.Set(key, entry)
	}
}

// Len reports how many prefixes the cache holds.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
