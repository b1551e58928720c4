package dnsserver

import (
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/metrics"
)

const qrBit = 1 << 15

// Accept is the server's MsgAcceptFunc. Messages that are themselves
// responses are dropped without a reply; everything else is unpacked and
// judged by Reply. Messages that fail to unpack get a header-only FORMERR
// from the dns package.
func Accept(dh dns.Header) dns.MsgAcceptAction {
	if dh.Bits&qrBit != 0 {
		return dns.MsgIgnore
	}
	return dns.MsgAccept
}

// Reply computes the response to a query, or nil when none must be sent.
// Over TCP the reply is only bounded by the 2-byte length prefix.
func (s *Server) Reply(req *dns.Msg, tcp bool) *dns.Msg {
	if req.Response {
		return nil
	}

	m := new(dns.Msg)
	m.SetReply(req)
	m.Question = req.Question
	if rcode, bad := check(req); bad {
		m.Rcode = rcode
		return m
	}

	q := req.Question[0]
	m.Rcode, m.Answer = s.Answer(q.Name, q.Qtype, q.Qclass)

	size := dns.MinMsgSize
	if opt := req.IsEdns0(); opt != nil {
		size = max(int(opt.UDPSize()), dns.MinMsgSize)
		m.SetEdns0(dns.DefaultMsgSize, false)
	}
	if tcp {
		size = dns.MaxMsgSize
	}
	m.Truncate(size)
	return m
}

// check rejects queries this server does not answer.
func check(req *dns.Msg) (int, bool) {
	switch {
	case req.Rcode != dns.RcodeSuccess:
		return dns.RcodeFormatError, true
	case req.Opcode != dns.OpcodeQuery:
		return dns.RcodeNotImplemented, true
	case len(req.Question) == 0:
		return dns.RcodeFormatError, true
	case len(req.Question) > 1:
		return dns.RcodeNotImplemented, true
	case req.IsTsig() != nil:
		return dns.RcodeFormatError, true
	}
	if t := req.Question[0].Qtype; !IsRRType(t) && t != dns.TypeANY {
		return dns.RcodeNotImplemented, true
	}
	return dns.RcodeSuccess, false
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(fmt.Errorf("panic: %v", r), "query handling aborted", "client", w.RemoteAddr().String())
		}
	}()

	_, tcp := w.LocalAddr().(*net.TCPAddr)
	reply := s.Reply(req, tcp)
	if reply == nil {
		return
	}

	transport := "udp"
	if tcp {
		transport = "tcp"
	}
	rcode := dns.RcodeToString[reply.Rcode]
	metrics.DNSQueries.WithLabelValues(transport, rcode).Inc()
	if s.log.V(1).Enabled() && len(req.Question) > 0 {
		q := req.Question[0]
		s.log.V(1).Info("query", "client", w.RemoteAddr().String(), "transport", transport,
			"name", q.Name, "type", dns.TypeToString[q.Qtype], "rcode", rcode, "answers", len(reply.Answer))
	}

	if err := w.WriteMsg(reply); err != nil {
		s.log.Error(err, "unable to write reply", "client", w.RemoteAddr().String())
	}
}
