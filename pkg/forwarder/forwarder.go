// Package forwarder implements C5: protocol- and address-family-aware
// dispatch of a single wire-ready query to a named upstream, selected from
// §4.5. One Dispatcher is constructed at startup and shared by every
// listener's handlers; its HTTP/2-capable client is the connection-reuse
// mechanism for DoH upstreams.
package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"localdns/pkg/config"
	"localdns/pkg/logging"
	"localdns/pkg/requestlog"
	"localdns/pkg/telemetry"
)

// Family is the address family of the inbound listener that received the
// query, used to pick between an Upstream's ipv4 and ipv6 address views.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

// attemptTimeout is the fixed per-attempt deadline of §4.5 step 4.
const attemptTimeout = 2 * time.Second

// userAgent is the fixed identifier sent on every DoH request.
const userAgent = "localdns-resolver/1.0"

// ErrNoAddresses is returned when the named upstream has no address in the
// requested family; callers treat it the same as any other dispatch
// failure (try the next default upstream, or SERVFAIL).
var ErrNoAddresses = errors.New("forwarder: upstream has no address for requested family")

// Dispatcher issues queries to configured upstreams and records one
// RequestLog entry per attempt, per §4.5 step 5.
type Dispatcher struct {
	cfg        *config.Config
	logger     *logging.Logger
	sink       *requestlog.Sink
	httpClient *http.Client
	metrics    *telemetry.Metrics
}

// SetMetrics attaches the resolver's upstream counters, recorded from every
// attempt onward. Telemetry is initialized after the dispatcher so this is
// wired in as a post-construction step rather than a New argument.
func (d *Dispatcher) SetMetrics(m *telemetry.Metrics) {
	d.metrics = m
}

// New builds a Dispatcher. The HTTP client is constructed once, with
// HTTP/2 negotiated automatically over TLS and HTTP/1.1 as fallback, and
// is safe for concurrent use by every handler.
func New(cfg *config.Config, logger *logging.Logger, sink *requestlog.Sink) *Dispatcher {
	transport := &http.Transport{
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   attemptTimeout,
		ResponseHeaderTimeout: attemptTimeout,
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		httpClient: &http.Client{
			Transport: transport,
		},
	}
}

// QueryMeta carries the fields a dispatch attempt's RequestLog entry needs
// beyond what's already in the wire message.
type QueryMeta struct {
	RequestID    string
	ClientIP     string
	Name         string
	CNAME        string
	QuestionType string
}

// Dispatch looks up upstreamName, selects one of its addresses for family,
// issues msg with a 2-second deadline using the upstream's preferred
// protocol, and logs exactly one RequestLog entry for the attempt. It
// returns the upstream's reply, or nil with an error if the attempt
// failed outright (callers choose whether to try another upstream).
func (d *Dispatcher) Dispatch(ctx context.Context, upstreamName string, family Family, meta QueryMeta, msg *dns.Msg) (*dns.Msg, error) {
	up, ok := d.cfg.Upstreams[upstreamName]
	if !ok {
		return nil, fmt.Errorf("forwarder: unknown upstream %q", upstreamName)
	}

	addrs := up.IPv4
	if family == FamilyV6 {
		addrs = up.IPv6
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}

	ip := addrs[0]
	if len(addrs) > 1 {
		ip = addrs[rand.Intn(len(addrs))]
	}

	proto := up.PreferredProtocol
	if proto == config.ProtoUnspecified {
		proto = config.ProtoHTTPS
	}
	server := fmt.Sprintf("%s://%s", proto, ip)

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	start := time.Now()
	resp, err := d.exchange(attemptCtx, proto, ip, msg)
	elapsed := time.Since(start)

	d.logAttempt(ctx, meta, server, elapsed, resp, err)

	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) exchange(ctx context.Context, proto config.Protocol, ip string, msg *dns.Msg) (*dns.Msg, error) {
	switch proto {
	case config.ProtoUDP:
		return d.exchangeUDP(ctx, ip, msg)
	case config.ProtoTCP:
		return d.exchangeDNS(ctx, "tcp", net.JoinHostPort(ip, "53"), msg)
	case config.ProtoTLS:
		return d.exchangeTLS(ctx, ip, msg)
	case config.ProtoHTTPS:
		return d.exchangeDoH(ctx, ip, msg)
	default:
		return nil, fmt.Errorf("forwarder: unsupported protocol %q", proto)
	}
}

func (d *Dispatcher) exchangeDNS(ctx context.Context, net_ string, addr string, msg *dns.Msg) (*dns.Msg, error) {
	client := &dns.Client{Net: net_, Timeout: attemptTimeout}
	resp, _, err := client.ExchangeContext(ctx, msg, addr)
	return resp, err
}

// exchangeUDP implements §4.5 step 4's UDP case: on a truncated reply,
// retry the same query over TCP to the same endpoint. The TCP retry does
// not count as a second attempt — only one RequestLog entry is emitted
// for the whole call.
func (d *Dispatcher) exchangeUDP(ctx context.Context, ip string, msg *dns.Msg) (*dns.Msg, error) {
	addr := net.JoinHostPort(ip, "53")
	client := &dns.Client{Net: "udp", Timeout: attemptTimeout}
	resp, _, err := client.ExchangeContext(ctx, msg, addr)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		tcpClient := &dns.Client{Net: "tcp", Timeout: attemptTimeout}
		resp, _, err = tcpClient.ExchangeContext(ctx, msg, addr)
	}
	return resp, err
}

func (d *Dispatcher) exchangeTLS(ctx context.Context, ip string, msg *dns.Msg) (*dns.Msg, error) {
	addr := net.JoinHostPort(ip, "853")
	client := &dns.Client{
		Net:       "tcp-tls",
		Timeout:   attemptTimeout,
		TLSConfig: &tls.Config{ServerName: ip, MinVersion: tls.VersionTLS12},
	}
	resp, _, err := client.ExchangeContext(ctx, msg, addr)
	return resp, err
}

// exchangeDoH implements RFC 8484 over the shared HTTP/2-capable client.
func (d *Dispatcher) exchangeDoH(ctx context.Context, ip string, msg *dns.Msg) (*dns.Msg, error) {
	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("forwarder: pack query: %w", err)
	}

	host := ip
	if strings.Contains(ip, ":") {
		host = "[" + ip + "]"
	}
	url := fmt.Sprintf("https://%s/dns-query", host)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("forwarder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	req.Header.Set("User-Agent", userAgent)

	hresp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()

	if hresp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forwarder: doh status %s", hresp.Status)
	}

	body, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("forwarder: read doh body: %w", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, fmt.Errorf("forwarder: unpack doh response: %w", err)
	}
	return resp, nil
}

func (d *Dispatcher) logAttempt(ctx context.Context, meta QueryMeta, server string, elapsed time.Duration, resp *dns.Msg, err error) {
	elapsedMS := float64(elapsed.Microseconds()) / 1000.0
	entry := requestlog.Entry{
		RequestID:    meta.RequestID,
		ClientIP:     meta.ClientIP,
		Name:         meta.Name,
		CNAME:        meta.CNAME,
		QuestionType: meta.QuestionType,
		Server:       server,
		ElapsedMS:    elapsedMS,
	}
	if err != nil {
		entry.Error = errorChain(err)
		attemptLog := d.logger.WithQuery(meta.ClientIP, meta.Name, meta.QuestionType).WithField("server", server)
		if isTransient(err) {
			attemptLog.Debug("upstream query failed", "error", err)
		} else {
			attemptLog.Error("upstream query failed", "error", err)
		}
	} else {
		entry.ResponseStatus = dns.RcodeToString[resp.Rcode]
	}
	if d.sink != nil {
		d.sink.Enqueue(entry)
	}
	if d.metrics != nil {
		d.metrics.UpstreamLatency.Record(ctx, elapsedMS, metric.WithAttributes(attribute.String("server", server)))
		if err != nil {
			d.metrics.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
		}
	}
}

// errorChain renders err and each of its wrapped causes as a
// newline-joined "<error-type>: <message>" chain, per §4.5 step 5.
func errorChain(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%T: %s", e, e.Error())
	}
	return b.String()
}

// isTransient classifies the curated set of §7 "expected" failure kinds:
// timeouts, connection resets/aborts, and unreachable-host network errors.
// These are logged at debug rather than error severity.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}
