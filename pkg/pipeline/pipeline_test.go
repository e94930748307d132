package pipeline

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localdns/pkg/config"
	"localdns/pkg/forwarder"
	"localdns/pkg/logging"
	"localdns/pkg/ruleparser"
	"localdns/pkg/rulestore"
)

func testConfig(upstreamAddr string) *config.Config {
	return &config.Config{
		IPv6:    config.IPv6Disabled,
		Default: []string{"test"},
		Upstreams: map[string]*config.Upstream{
			"test": {Name: "test", IPv4: []string{upstreamAddr}, PreferredProtocol: config.ProtoUDP},
		},
	}
}

// mockUpstream answers every A query with answerIP and everything else
// with NXDOMAIN, mirroring the forwarder package's own mock server.
func mockUpstream(t *testing.T, answerIP string) (string, func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 512)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			if len(req.Question) > 0 && req.Question[0].Qtype == dns.TypeA {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(answerIP),
				})
			} else {
				resp.SetRcode(req, dns.RcodeNameError)
			}
			packed, err := resp.Pack()
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(packed, addr)
		}
	}()

	return pc.LocalAddr().String(), func() {
		_ = pc.Close()
		<-done
	}
}

func query(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true
	return m
}

func TestHandle_Malformed(t *testing.T) {
	h := New(testConfig("127.0.0.1:0"), rulestore.Build(rulestore.Rules{}), nil, nil, nil, logging.NewDefault())
	assert.Nil(t, h.Handle(context.Background(), "10.0.0.1", forwarder.FamilyV4, nil))

	empty := new(dns.Msg)
	assert.Nil(t, h.Handle(context.Background(), "10.0.0.1", forwarder.FamilyV4, empty))
}

func TestHandle_V6DisabledRepliesNotImplemented(t *testing.T) {
	h := New(testConfig("127.0.0.1:0"), rulestore.Build(rulestore.Rules{}), nil, nil, nil, logging.NewDefault())
	reply := h.Handle(context.Background(), "10.0.0.1", forwarder.FamilyV6, query("example.com", dns.TypeA))
	require.NotNil(t, reply)
	assert.Equal(t, dns.RcodeNotImplemented, reply.Rcode)
}

func TestHandle_TypeANYAlwaysRefused(t *testing.T) {
	h := New(testConfig("127.0.0.1:0"), rulestore.Build(rulestore.Rules{}), nil, nil, nil, logging.NewDefault())
	reply := h.Handle(context.Background(), "10.0.0.1", forwarder.FamilyV4, query("example.com", dns.TypeANY))
	require.NotNil(t, reply)
	assert.Equal(t, dns.RcodeRefused, reply.Rcode)
}

func TestHandle_BlockedNameRefused(t *testing.T) {
	store := rulestore.Build(rulestore.Rules{
		BlockedNames: []ruleparser.NameRule{{Group: "default", Pattern: "ads.example.com"}},
	})
	h := New(testConfig("127.0.0.1:0"), store, nil, nil, nil, logging.NewDefault())
	reply := h.Handle(context.Background(), "10.0.0.1", forwarder.FamilyV4, query("ads.example.com", dns.TypeA))
	require.NotNil(t, reply)
	assert.Equal(t, dns.RcodeRefused, reply.Rcode)
}

func TestHandle_CloakDirectMatch(t *testing.T) {
	store := rulestore.Build(rulestore.Rules{
		CloakingRules: []ruleparser.CloakingRule{
			{Group: "default", Name: "router.lan", Mapped: "192.168.1.1", RecordType: ruleparser.RecordA},
		},
	})
	h := New(testConfig("127.0.0.1:0"), store, nil, nil, nil, logging.NewDefault())
	reply := h.Handle(context.Background(), "10.0.0.1", forwarder.FamilyV4, query("router.lan", dns.TypeA))
	require.NotNil(t, reply)
	require.Equal(t, dns.RcodeSuccess, reply.Rcode)
	require.Len(t, reply.Answer, 1)
	a := reply.Answer[0].(*dns.A)
	assert.True(t, a.A.Equal(net.ParseIP("192.168.1.1")))
	assert.Equal(t, dns.Fqdn("router.lan"), a.Hdr.Name)
}

func TestHandle_ForwardsWhenNoCloakMatch(t *testing.T) {
	addr, cleanup := mockUpstream(t, "93.184.216.34")
	defer cleanup()
	host, _, _ := net.SplitHostPort(addr)

	cfg := testConfig(host)
	store := rulestore.Build(rulestore.Rules{})
	d := forwarder.New(cfg, logging.NewDefault(), nil)
	h := New(cfg, store, d, nil, nil, logging.NewDefault())

	reply := h.Handle(context.Background(), "10.0.0.1", forwarder.FamilyV4, query("example.com", dns.TypeA))
	require.NotNil(t, reply)
	require.Equal(t, dns.RcodeSuccess, reply.Rcode)
	require.Len(t, reply.Answer, 1)
	a := reply.Answer[0].(*dns.A)
	assert.True(t, a.A.Equal(net.ParseIP("93.184.216.34")))
}

func TestHandle_IPFilterBlocksAnswer(t *testing.T) {
	addr, cleanup := mockUpstream(t, "93.184.216.34")
	defer cleanup()
	host, _, _ := net.SplitHostPort(addr)

	cfg := testConfig(host)
	store := rulestore.Build(rulestore.Rules{
		BlockedIPs: []ruleparser.NameRule{{Group: "default", Pattern: "93.184.216.34"}},
	})
	d := forwarder.New(cfg, logging.NewDefault(), nil)
	h := New(cfg, store, d, nil, nil, logging.NewDefault())

	reply := h.Handle(context.Background(), "10.0.0.1", forwarder.FamilyV4, query("example.com", dns.TypeA))
	require.NotNil(t, reply)
	assert.Equal(t, dns.RcodeRefused, reply.Rcode)
	assert.Empty(t, reply.Answer)
}

func TestFilterAnswerIPs_Idempotent(t *testing.T) {
	store := rulestore.Build(rulestore.Rules{
		BlockedIPs: []ruleparser.NameRule{{Group: "default", Pattern: "1.2.3.4"}},
	})
	h := New(testConfig("127.0.0.1:0"), store, nil, nil, nil, logging.NewDefault())

	reply := new(dns.Msg)
	reply.Rcode = dns.RcodeSuccess
	reply.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "x.", Rrtype: dns.TypeA, Class: dns.ClassINET}, A: net.ParseIP("1.2.3.4")},
		&dns.A{Hdr: dns.RR_Header{Name: "x.", Rrtype: dns.TypeA, Class: dns.ClassINET}, A: net.ParseIP("5.6.7.8")},
	}

	h.filterAnswerIPs(reply, "10.0.0.1")
	first := append([]dns.RR{}, reply.Answer...)
	firstRcode := reply.Rcode

	h.filterAnswerIPs(reply, "10.0.0.1")
	assert.Equal(t, first, reply.Answer)
	assert.Equal(t, firstRcode, reply.Rcode)
}

func TestDNSTypeLabel_Known(t *testing.T) {
	assert.Equal(t, "A", dnsTypeLabel(dns.TypeA))
	assert.Equal(t, "AAAA", dnsTypeLabel(dns.TypeAAAA))
}

func TestDNSTypeLabel_Unknown(t *testing.T) {
	assert.Equal(t, "TYPE65280", dnsTypeLabel(65280))
}
