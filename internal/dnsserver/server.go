// Package dnsserver answers A, AAAA and ANY queries for the served domains
// from the record store, over UDP and TCP.
package dnsserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/miekg/dns"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultListen = "127.0.0.1:8053"
	DefaultTTL    = 60
	// DefaultTCPTimeout bounds reading the query and writing the reply of
	// one TCP connection.
	DefaultTCPTimeout = 15 * time.Second
	// DefaultMaxTCPConnections bounds the TCP connections served at once
	// per listening address; further clients wait in the accept backlog.
	DefaultMaxTCPConnections = 10
)

// Resolver looks up the addresses of an owner-name.
type Resolver interface {
	Lookup(name string) ([]string, bool)
}

// Options configures a Server.
type Options struct {
	// Listen holds host:port pairs; empty means DefaultListen.
	Listen []string
	// Domains are the suffixes this server is authoritative for.
	Domains           []string
	TTL               uint32
	TCPTimeout        time.Duration
	MaxTCPConnections int
	Log               logr.Logger
}

// Server is the DNS front end. It implements manager.Runnable.
type Server struct {
	opts     Options
	resolver Resolver
	log      logr.Logger

	packetConns []net.PacketConn
	listeners   []net.Listener
}

// New creates a server answering from r.
func New(r Resolver, opts Options) *Server {
	if len(opts.Listen) == 0 {
		opts.Listen = []string{DefaultListen}
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TCPTimeout <= 0 {
		opts.TCPTimeout = DefaultTCPTimeout
	}
	if opts.MaxTCPConnections <= 0 {
		opts.MaxTCPConnections = DefaultMaxTCPConnections
	}
	return &Server{opts: opts, resolver: r, log: opts.Log}
}

// Listen binds a UDP socket and a TCP listener on every configured address.
// Either all bind or none stay open.
func (s *Server) Listen() error {
	if s.packetConns != nil {
		return errors.New("dnsserver: already listening")
	}
	for _, addr := range s.opts.Listen {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			s.abort()
			return fmt.Errorf("dnsserver: listening on udp %s: %w", addr, err)
		}
		s.packetConns = append(s.packetConns, pc)

		l, err := net.Listen("tcp", addr)
		if err != nil {
			s.abort()
			return fmt.Errorf("dnsserver: listening on tcp %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, l)

		s.log.Info("listening", "addr", addr)
	}
	return nil
}

// UDPAddrs returns the bound UDP addresses.
func (s *Server) UDPAddrs() []net.Addr {
	addrs := make([]net.Addr, len(s.packetConns))
	for i, pc := range s.packetConns {
		addrs[i] = pc.LocalAddr()
	}
	return addrs
}

// TCPAddrs returns the bound TCP addresses.
func (s *Server) TCPAddrs() []net.Addr {
	addrs := make([]net.Addr, len(s.listeners))
	for i, l := range s.listeners {
		addrs[i] = l.Addr()
	}
	return addrs
}

// Start serves until ctx is cancelled, binding first if Listen was not
// called.
func (s *Server) Start(ctx context.Context) error {
	if s.packetConns == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	var servers []*dns.Server
	for _, pc := range s.packetConns {
		servers = append(servers, &dns.Server{
			PacketConn:    pc,
			Handler:       s,
			UDPSize:       dns.MinMsgSize,
			MsgAcceptFunc: Accept,
		})
	}
	for _, l := range s.listeners {
		servers = append(servers, &dns.Server{
			Listener:      netutil.LimitListener(l, s.opts.MaxTCPConnections),
			Handler:       s,
			MaxTCPQueries: 1,
			ReadTimeout:   s.opts.TCPTimeout,
			WriteTimeout:  s.opts.TCPTimeout,
			MsgAcceptFunc: Accept,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			err := srv.ActivateAndServe()
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.close()
		return nil
	})

	err := g.Wait()
	s.log.Info("stopped")
	return err
}

func (s *Server) close() {
	for _, pc := range s.packetConns {
		_ = pc.Close()
	}
	for _, l := range s.listeners {
		_ = l.Close()
	}
}

func (s *Server) abort() {
	s.close()
	s.packetConns, s.listeners = nil, nil
}
