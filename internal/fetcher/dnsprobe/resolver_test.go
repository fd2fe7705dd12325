package dnsprobe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

var zone = map[uint16][]string{
	dns.TypeA: {
		"www.example.test. 300 IN CNAME example.test.",
		"example.test. 300 IN A 192.0.2.20",
		"example.test. 300 IN A 192.0.2.10",
	},
	dns.TypeAAAA: {"example.test. 300 IN AAAA 2001:db8::1"},
	dns.TypeMX:   {"example.test. 300 IN MX 10 Mail.Example.test."},
	dns.TypeNS:   {"example.test. 300 IN NS ns1.example.test."},
}

func startServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("example.test.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		for _, raw := range zone[r.Question[0].Qtype] {
			rr, err := dns.NewRR(raw)
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})
	mux.HandleFunc("10.2.0.192.in-addr.arpa.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, err := dns.NewRR("10.2.0.192.in-addr.arpa. 300 IN PTR Web1.example.test.")
		if err == nil && r.Question[0].Qtype == dns.TypePTR {
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})
	mux.HandleFunc("missing.test.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestLookupCollectsRecordsAndIPs(t *testing.T) {
	t.Parallel()

	addr := startServer(t)
	r, err := NewResolver(Config{Servers: []string{addr}, Timeout: time.Second})
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "Example.test")
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.10", "192.0.2.20", "2001:db8::1"}, res.IPs)
	require.Equal(t, []string{
		"A 192.0.2.10",
		"A 192.0.2.20",
		"AAAA 2001:db8::1",
		"MX 10 mail.example.test.",
		"NS ns1.example.test.",
	}, res.Records)
	require.Empty(t, res.Failed)
}

func TestLookupIsStableAcrossCalls(t *testing.T) {
	t.Parallel()

	addr := startServer(t)
	r, err := NewResolver(Config{Servers: []string{addr}, Timeout: time.Second, Types: []string{"a", "ns"}})
	require.NoError(t, err)

	first, err := r.Lookup(context.Background(), "example.test")
	require.NoError(t, err)
	second, err := r.Lookup(context.Background(), "example.test.")
	require.NoError(t, err)
	require.True(t, monitor.SameSet(first.Records, second.Records))
	require.NotContains(t, first.Records, "AAAA 2001:db8::1")
	require.Contains(t, first.IPs, "2001:db8::1")
}

func TestLookupReverseAddsPTRRecords(t *testing.T) {
	t.Parallel()

	addr := startServer(t)
	r, err := NewResolver(Config{Servers: []string{addr}, Timeout: time.Second, Types: []string{"A"}, Reverse: true})
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "example.test")
	// Only 192.0.2.10 has a PTR zone; the mux answers SERVFAIL for the rest,
	// which is reported as a partial error.
	require.ErrorIs(t, err, monitor.ErrDNSResolution)
	require.Contains(t, res.Records, "PTR 192.0.2.10 web1.example.test.")
	require.Contains(t, res.Records, "A 192.0.2.10")
	require.ElementsMatch(t, []string{"PTR 192.0.2.20", "PTR 2001:db8::1"}, res.Failed)
}

func TestLookupNXDomain(t *testing.T) {
	t.Parallel()

	addr := startServer(t)
	r, err := NewResolver(Config{Servers: []string{addr}, Timeout: time.Second})
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "missing.test")
	require.ErrorIs(t, err, monitor.ErrDNSResolution)
	require.ElementsMatch(t, []string{"A", "AAAA", "MX", "NS"}, res.Failed)
}

func TestLookupFallsThroughDeadServer(t *testing.T) {
	t.Parallel()

	addr := startServer(t)
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	require.NoError(t, dead.Close())

	r, err := NewResolver(Config{Servers: []string{deadAddr, addr}, Timeout: 200 * time.Millisecond, Types: []string{"A"}})
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "example.test")
	require.NoError(t, err)
	require.Len(t, res.IPs, 3)
}

func TestLookupIPLiteralSkipsQueries(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(Config{Servers: []string{"127.0.0.1:1"}})
	require.NoError(t, err)
	res, err := r.Lookup(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	require.Equal(t, []string{"203.0.113.7"}, res.IPs)
	require.Empty(t, res.Records)
}

func TestNewResolverRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(Config{Types: []string{"BOGUS"}})
	require.Error(t, err)
}
