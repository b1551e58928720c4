package dnsserver

import (
	"strings"

	"github.com/miekg/dns"
)

// StripDomain removes the first matching served domain from a query name.
// e.g. "web.default.cluster.local." with domain "cluster.local" → ("web.default", true)
// e.g. "web.other.tld" → ("", false)
// Matching is case-insensitive; empty domains never match.
func StripDomain(name string, domains []string) (string, bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	for _, d := range domains {
		if d == "" {
			continue
		}
		if label, ok := strings.CutSuffix(name, "."+d); ok && label != "" {
			return label, true
		}
	}
	return "", false
}

// IsRRType reports whether t is a data record type, as opposed to a meta
// type such as OPT or TSIG or a query-only type such as AXFR or ANY.
// Unassigned and private-use codes count as data types.
func IsRRType(t uint16) bool {
	switch t {
	case dns.TypeOPT, dns.TypeTSIG, dns.TypeTKEY,
		dns.TypeAXFR, dns.TypeIXFR, dns.TypeMAILA, dns.TypeMAILB, dns.TypeANY:
		return false
	}
	return true
}

// recordType returns the record type an address literal is published as.
func recordType(addr string) uint16 {
	if strings.Contains(addr, ":") {
		return dns.TypeAAAA
	}
	return dns.TypeA
}
