package dnsserver

import (
	"net"

	"github.com/miekg/dns"
)

// Answer resolves one question against the store. A name outside every
// served domain, or one the store does not know, is NXDOMAIN. A known name
// is NOERROR even when none of its addresses has the requested type.
func (s *Server) Answer(name string, qtype, qclass uint16) (int, []dns.RR) {
	label, ok := StripDomain(name, s.opts.Domains)
	if !ok {
		return dns.RcodeNameError, nil
	}
	addrs, ok := s.resolver.Lookup(label)
	if !ok {
		return dns.RcodeNameError, nil
	}

	var rrs []dns.RR
	for _, addr := range addrs {
		t := recordType(addr)
		if qtype != t && qtype != dns.TypeANY {
			continue
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			s.log.Info("skipping unparsable address", "name", label, "address", addr)
			continue
		}

		hdr := dns.RR_Header{Name: name, Rrtype: t, Class: qclass, Ttl: s.opts.TTL}
		if t == dns.TypeA {
			rrs = append(rrs, &dns.A{Hdr: hdr, A: ip.To4()})
		} else {
			rrs = append(rrs, &dns.AAAA{Hdr: hdr, AAAA: ip})
		}
	}
	return dns.RcodeSuccess, rrs
}
