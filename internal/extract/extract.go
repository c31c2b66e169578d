// Package extract mines links, domains and IPv4 addresses out of message
// text and keeps them as deduplicated sets.
package extract

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"moontele/internal/transport"
)

var (
	ipPattern     = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
	linkPattern   = regexp.MustCompile(`https?://[^\s\[\](){},<>"']+`)
	domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\b`)
	numericDots   = regexp.MustCompile(`^[0-9.]+$`)
)

// Result is a sorted snapshot of the three sets.
type Result struct {
	Links   []string `json:"links"`
	Domains []string `json:"domains"`
	IPs     []string `json:"ips"`
}

// Empty reports whether nothing was collected.
func (r Result) Empty() bool {
	return len(r.Links) == 0 && len(r.Domains) == 0 && len(r.IPs) == 0
}

// Collector accumulates extraction results. It is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	links   map[string]struct{}
	domains map[string]struct{}
	ips     map[string]struct{}
}

func NewCollector() *Collector {
	return &Collector{
		links:   map[string]struct{}{},
		domains: map[string]struct{}{},
		ips:     map[string]struct{}{},
	}
}

// Extract adds every link, domain and IP found in text. Empty text is a no-op.
func (c *Collector) Extract(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	links := linkPattern.FindAllString(text, -1)
	ips := ipPattern.FindAllString(text, -1)

	domains := make([]string, 0, len(links))
	for _, l := range links {
		if d, ok := hostOf(l); ok {
			domains = append(domains, d)
		}
	}
	for _, d := range domainPattern.FindAllString(text, -1) {
		d = strings.ToLower(d)
		if acceptDomain(d) {
			domains = append(domains, d)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range links {
		c.links[l] = struct{}{}
	}
	for _, d := range domains {
		c.domains[d] = struct{}{}
	}
	for _, ip := range ips {
		c.ips[ip] = struct{}{}
	}
}

// ExtractMessage extracts from the message text and its hidden link targets.
func (c *Collector) ExtractMessage(m transport.Message) {
	c.Extract(m.Text)
	for _, l := range m.Links {
		c.Extract(l)
	}
}

// Snapshot returns the collected sets, each sorted ascending.
func (c *Collector) Snapshot() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{
		Links:   sortedKeys(c.links),
		Domains: sortedKeys(c.domains),
		IPs:     sortedKeys(c.ips),
	}
}

// Len returns the sizes of the link, domain and IP sets.
func (c *Collector) Len() (links, domains, ips int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links), len(c.domains), len(c.ips)
}

// hostOf returns the lower-cased host of a link, without port or userinfo.
func hostOf(link string) (string, bool) {
	u, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	h := strings.ToLower(u.Hostname())
	if !acceptDomain(h) {
		return "", false
	}
	return h, true
}

func acceptDomain(d string) bool {
	if len(d) <= 3 || !strings.Contains(d, ".") || numericDots.MatchString(d) {
		return false
	}
	tld := d[strings.LastIndexByte(d, '.')+1:]
	if len(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
