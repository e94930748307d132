package forwarder

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localdns/pkg/config"
	"localdns/pkg/logging"
	"localdns/pkg/telemetry"
)

// mockUDPServer answers every query for domain with an A record pointing
// at ip, and NXDOMAIN otherwise, mirroring the teacher's mockDNSServer
// helper.
func mockUDPServer(t *testing.T, domain, ip string) (string, func()) {
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
			if len(req.Question) > 0 && req.Question[0].Name == domain {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: domain, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip),
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

	cleanup := func() {
		_ = pc.Close()
		<-done
	}
	return pc.LocalAddr().String(), cleanup
}

func testDispatcher(upstreamIP string, proto config.Protocol) *Dispatcher {
	cfg := &config.Config{
		Upstreams: map[string]*config.Upstream{
			"test": {Name: "test", IPv4: []string{upstreamIP}, PreferredProtocol: proto},
		},
	}
	return New(cfg, logging.NewDefault(), nil)
}

func TestDispatch_UDPSuccess(t *testing.T) {
	addr, cleanup := mockUDPServer(t, "example.com.", "93.184.216.34")
	defer cleanup()
	host, _, _ := net.SplitHostPort(addr)

	d := testDispatcher(host, config.ProtoUDP)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)

	resp, err := d.Dispatch(context.Background(), "test", FamilyV4, QueryMeta{RequestID: "r1", Name: "example.com."}, msg)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	a := resp.Answer[0].(*dns.A)
	assert.True(t, a.A.Equal(net.ParseIP("93.184.216.34")))
}

func TestDispatch_UDPTimeout(t *testing.T) {
	// TEST-NET-1, non-routable: the exchange should fail within the
	// attempt deadline rather than hang.
	d := testDispatcher("192.0.2.1", config.ProtoUDP)

	msg := new(dns.Msg)
	msg.SetQuestion("timeout.test.", dns.TypeA)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := d.Dispatch(ctx, "test", FamilyV4, QueryMeta{RequestID: "r2", Name: "timeout.test."}, msg)
	assert.Error(t, err)
}

func TestDispatch_UnknownUpstream(t *testing.T) {
	d := testDispatcher("192.0.2.1", config.ProtoUDP)
	msg := new(dns.Msg)
	msg.SetQuestion("x.test.", dns.TypeA)

	_, err := d.Dispatch(context.Background(), "missing", FamilyV4, QueryMeta{RequestID: "r3", Name: "x.test."}, msg)
	assert.Error(t, err)
}

func TestDispatch_NoAddressForFamily(t *testing.T) {
	cfg := &config.Config{
		Upstreams: map[string]*config.Upstream{
			"v4only": {Name: "v4only", IPv4: []string{"1.1.1.1"}, PreferredProtocol: config.ProtoUDP},
		},
	}
	d := New(cfg, logging.NewDefault(), nil)
	msg := new(dns.Msg)
	msg.SetQuestion("x.test.", dns.TypeA)

	_, err := d.Dispatch(context.Background(), "v4only", FamilyV6, QueryMeta{RequestID: "r4", Name: "x.test."}, msg)
	assert.ErrorIs(t, err, ErrNoAddresses)
}

func TestDispatch_DefaultsToHTTPS(t *testing.T) {
	cfg := &config.Config{
		Upstreams: map[string]*config.Upstream{
			"nopreference": {Name: "nopreference", IPv4: []string{"192.0.2.2"}},
		},
	}
	d := New(cfg, logging.NewDefault(), nil)
	msg := new(dns.Msg)
	msg.SetQuestion("x.test.", dns.TypeA)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// No DoH listener at this address; the attempt fails, and it fails
	// through the HTTP client (a *url.Error), which only the DoH path uses.
	_, err := d.Dispatch(ctx, "nopreference", FamilyV4, QueryMeta{RequestID: "r5", Name: "x.test."}, msg)
	assert.Error(t, err)
	var urlErr *url.Error
	assert.ErrorAs(t, err, &urlErr)
}

func TestErrorChain_JoinsCauses(t *testing.T) {
	base := &net.DNSError{Err: "no such host", Name: "example.com"}
	chain := errorChain(fmt.Errorf("upstream query: %w", base))
	assert.Contains(t, chain, "no such host")
	lines := strings.Split(chain, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "*fmt.wrapError: upstream query: "))
	assert.True(t, strings.HasPrefix(lines[1], "*net.DNSError: "))
}

func TestIsTransient_Timeout(t *testing.T) {
	assert.True(t, isTransient(context.DeadlineExceeded))
}

func TestDispatch_RecordsMetricsWithoutPanicking(t *testing.T) {
	addr, cleanup := mockUDPServer(t, "example.com.", "93.184.216.34")
	defer cleanup()
	host, _, _ := net.SplitHostPort(addr)

	d := testDispatcher(host, config.ProtoUDP)
	tel, err := telemetry.New(context.Background(), &config.TelemetryConfig{Enabled: false}, logging.NewDefault())
	require.NoError(t, err)
	metrics, err := tel.InitMetrics()
	require.NoError(t, err)
	d.SetMetrics(metrics)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)

	_, err = d.Dispatch(context.Background(), "test", FamilyV4, QueryMeta{RequestID: "r6", Name: "example.com."}, msg)
	assert.NoError(t, err)

	// And the failure path (through logAttempt, not the unknown-upstream
	// short-circuit), to exercise UpstreamErrors.
	timeoutCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	failing := testDispatcher("192.0.2.1", config.ProtoUDP)
	failing.SetMetrics(metrics)
	_, err = failing.Dispatch(timeoutCtx, "test", FamilyV4, QueryMeta{RequestID: "r7", Name: "x.test."}, msg)
	assert.Error(t, err)
}
