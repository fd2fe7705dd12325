// Package dnsprobe resolves the DNS records and addresses of monitored hosts.
package dnsprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// DefaultTypes are the record types compared between snapshots.
var DefaultTypes = []string{"A", "AAAA", "MX", "NS"}

var fallbackServers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// Config holds DNS resolver configuration.
type Config struct {
	// Servers are host:port nameservers. Empty means /etc/resolv.conf.
	Servers []string
	Timeout time.Duration
	// Types lists the record types to collect, for example "A" or "MX".
	Types []string
	// Reverse adds a PTR record for every resolved address.
	Reverse bool
}

// Result is what one lookup observed.
type Result struct {
	Records []string
	IPs     []string
	// Failed holds the record prefix of every query that errored, such as
	// "MX" or "PTR 192.0.2.10". Records under these prefixes are unknown,
	// not absent.
	Failed []string
}

// Resolver queries nameservers directly so record sets are observed as the
// authoritative servers publish them.
type Resolver struct {
	servers   []string
	timeout   time.Duration
	types     []uint16
	reverse   bool
	client    *dns.Client
	tcpClient *dns.Client
}

// NewResolver creates a resolver. Unknown record types are an error.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = systemServers()
	}
	names := cfg.Types
	if len(names) == 0 {
		names = DefaultTypes
	}
	types := make([]uint16, 0, len(names))
	for _, name := range names {
		t, ok := dns.StringToType[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown dns record type %q", name)
		}
		types = append(types, t)
	}
	return &Resolver{
		servers:   servers,
		timeout:   cfg.Timeout,
		types:     types,
		reverse:   cfg.Reverse,
		client:    &dns.Client{Timeout: cfg.Timeout},
		tcpClient: &dns.Client{Net: "tcp", Timeout: cfg.Timeout},
	}, nil
}

func systemServers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return fallbackServers
	}
	out := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		out = append(out, net.JoinHostPort(s, conf.Port))
	}
	return out
}

// Servers reports the nameservers in query order.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// Lookup collects the configured record types for host along with its A and
// AAAA addresses. Records are formatted as "TYPE rdata" without TTLs so that
// two lookups of an unchanged zone compare equal. Partial results are
// returned alongside an error wrapping monitor.ErrDNSResolution.
func (r *Resolver) Lookup(ctx context.Context, host string) (Result, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return Result{}, fmt.Errorf("%w: empty host", monitor.ErrDNSResolution)
	}
	if ip := net.ParseIP(host); ip != nil {
		return Result{IPs: []string{ip.String()}}, nil
	}

	var (
		res  Result
		errs []error
	)
	want := make(map[uint16]bool, len(r.types))
	for _, t := range r.types {
		want[t] = true
	}
	for _, qtype := range r.queryTypes() {
		answers, err := r.query(ctx, host, qtype)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", dns.TypeToString[qtype], host, err))
			res.Failed = append(res.Failed, dns.TypeToString[qtype])
			continue
		}
		for _, rr := range answers {
			rrType := rr.Header().Rrtype
			switch v := rr.(type) {
			case *dns.A:
				if qtype == dns.TypeA {
					res.IPs = append(res.IPs, v.A.String())
				}
			case *dns.AAAA:
				if qtype == dns.TypeAAAA {
					res.IPs = append(res.IPs, v.AAAA.String())
				}
			}
			if rrType == qtype && want[qtype] {
				res.Records = append(res.Records, formatRecord(rr))
			}
		}
	}
	res.IPs = monitor.NewSet(res.IPs)
	if r.reverse {
		for _, ip := range res.IPs {
			names, err := r.reverseLookup(ctx, ip)
			if err != nil {
				errs = append(errs, fmt.Errorf("PTR %s: %w", ip, err))
				res.Failed = append(res.Failed, "PTR "+ip)
				continue
			}
			for _, name := range names {
				res.Records = append(res.Records, "PTR "+ip+" "+name)
			}
		}
	}
	res.Records = monitor.NewSet(res.Records)
	if len(errs) > 0 {
		return res, fmt.Errorf("%w: %w", monitor.ErrDNSResolution, errors.Join(errs...))
	}
	return res, nil
}

// queryTypes is the configured types plus A and AAAA.
func (r *Resolver) queryTypes() []uint16 {
	out := append([]uint16(nil), r.types...)
	for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found := false
		for _, existing := range out {
			if existing == t {
				found = true
				break
			}
		}
		if !found {
			out = append(out, t)
		}
	}
	return out
}

func (r *Resolver) reverseLookup(ctx context.Context, ip string) ([]string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, err
	}
	answers, err := r.query(ctx, strings.TrimSuffix(arpa, "."), dns.TypePTR)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, rr := range answers {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.ToLower(ptr.Ptr))
		}
	}
	return names, nil
}

// query asks each server in turn until one answers. NXDOMAIN is returned as
// an error; an empty NOERROR answer is not.
func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := r.exchange(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp.Answer, nil
		case dns.RcodeNameError:
			return nil, fmt.Errorf("no such host")
		default:
			lastErr = fmt.Errorf("server %s returned %s", server, dns.RcodeToString[resp.Rcode])
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return nil, lastErr
}

func (r *Resolver) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, _, err := r.client.ExchangeContext(qctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		resp, _, err = r.tcpClient.ExchangeContext(qctx, msg, server)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// formatRecord renders rr as "TYPE rdata". Domain names are case-insensitive
// so everything except TXT data is lowercased.
func formatRecord(rr dns.RR) string {
	hdr := rr.Header()
	rdata := strings.TrimSpace(strings.TrimPrefix(rr.String(), hdr.String()))
	if hdr.Rrtype != dns.TypeTXT {
		rdata = strings.ToLower(rdata)
	}
	return dns.TypeToString[hdr.Rrtype] + " " + rdata
}
