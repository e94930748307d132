// Package pipeline implements C6: the per-query decision state machine —
// blocklist, cloaking synthesis, CNAME chasing, upstream forwarding, and
// answer-IP filtering — described in §4.6. One Handler is built at startup
// from the compiled rule store, config, dispatcher, and log sink, and is
// shared by every listener spawned by the server fabric (C7).
package pipeline

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"localdns/pkg/config"
	"localdns/pkg/forwarder"
	"localdns/pkg/logging"
	"localdns/pkg/requestlog"
	"localdns/pkg/ruleparser"
	"localdns/pkg/rulestore"
	"localdns/pkg/telemetry"
)

const cloakTTL = 900

// Handler runs a single query through the decision chain of §4.6 and
// returns the wire-ready reply, or nil when the query should be dropped
// silently (malformed input never reaches a reply).
type Handler struct {
	cfg        *config.Config
	store      *rulestore.Store
	dispatcher *forwarder.Dispatcher
	sink       *requestlog.Sink
	metrics    *telemetry.Metrics
	logger     *logging.Logger
}

// New builds a Handler from its collaborators. metrics may be nil when
// telemetry is disabled.
func New(cfg *config.Config, store *rulestore.Store, dispatcher *forwarder.Dispatcher, sink *requestlog.Sink, metrics *telemetry.Metrics, logger *logging.Logger) *Handler {
	return &Handler{cfg: cfg, store: store, dispatcher: dispatcher, sink: sink, metrics: metrics, logger: logger}
}

// Handle runs r (already decoded off the wire) through the pipeline for a
// query that arrived on a listener of the given family from clientIP. A nil
// return means the query is dropped without a reply.
func (h *Handler) Handle(ctx context.Context, clientIP string, family forwarder.Family, r *dns.Msg) *dns.Msg {
	start := time.Now()

	if h.metrics != nil {
		h.metrics.InFlightHandlers.Add(ctx, 1)
		defer h.metrics.InFlightHandlers.Add(ctx, -1)
	}

	if r == nil || len(r.Question) == 0 {
		return nil
	}
	if r.Opcode != dns.OpcodeQuery {
		requestID := requestlog.NewRequestID()
		return h.finishLogged(requestID, clientIP, "", "", "", start, h.staticReply(r, dns.RcodeNotImplemented))
	}

	question := r.Question[0]
	qname := strings.TrimSuffix(strings.ToLower(question.Name), ".")
	qtype := question.Qtype
	qtypeLabel := dnsTypeLabel(qtype)
	requestID := requestlog.NewRequestID()
	ctx = logging.WithRequestID(ctx, requestID)

	if family == forwarder.FamilyV6 && h.cfg.IPv6 == config.IPv6Disabled {
		return h.finishLogged(requestID, clientIP, question.Name, "", qtypeLabel, start, h.staticReply(r, dns.RcodeNotImplemented))
	}

	if qtype == dns.TypeANY {
		return h.finishLogged(requestID, clientIP, question.Name, "", qtypeLabel, start, h.staticReply(r, dns.RcodeRefused))
	}

	switch h.store.MatchNameDecision(clientIP, qname) {
	case rulestore.DecisionBlocked:
		h.recordDecision(ctx, qname, "blocked", start)
		return h.finishLogged(requestID, clientIP, question.Name, "", qtypeLabel, start, h.staticReply(r, dns.RcodeRefused))
	default:
		// Allowed or none both fall through to forwarding/cloaking.
	}

	meta := forwarder.QueryMeta{RequestID: requestID, ClientIP: clientIP, Name: question.Name, QuestionType: qtypeLabel}

	if qtype != dns.TypeA && qtype != dns.TypeAAAA {
		resp, err := h.forward(ctx, qname, qtype, clientIP, family, meta)
		if err != nil {
			h.recordDecision(ctx, qname, "servfail", start)
			return h.staticReply(r, dns.RcodeServerFailure)
		}
		h.recordDecision(ctx, qname, "forwarded", start)
		return h.buildReply(r, resp)
	}

	return h.cloak(ctx, clientIP, family, r, question, qname, qtype, requestID, qtypeLabel, start)
}

// cloak implements the [CLOAK] box of §4.6 for A/AAAA queries.
func (h *Handler) cloak(ctx context.Context, clientIP string, family forwarder.Family, r *dns.Msg, question dns.Question, qname string, qtype uint16, requestID, qtypeLabel string, start time.Time) *dns.Msg {
	wantType := ruleparser.RecordA
	if qtype == dns.TypeAAAA {
		wantType = ruleparser.RecordAAAA
	}

	records := h.store.MatchCloakingResolved(qname)

	var direct []rulestore.CloakingAnswer
	var cname *rulestore.CloakingAnswer
	for i := range records {
		if records[i].RecordType == wantType {
			direct = append(direct, records[i])
		} else if records[i].RecordType == ruleparser.RecordCNAME && cname == nil {
			cname = &records[i]
		}
	}

	if len(direct) > 0 {
		h.recordDecision(ctx, qname, "cloaked", start)
		return h.finishLogged(requestID, clientIP, question.Name, "", qtypeLabel, start, h.synthesize(r, question.Name, direct))
	}

	meta := forwarder.QueryMeta{RequestID: requestID, ClientIP: clientIP, Name: question.Name, QuestionType: qtypeLabel}

	if cname != nil {
		mapped := strings.ToLower(cname.Mapped)
		meta.CNAME = mapped
		if h.store.MatchNameDecision(clientIP, mapped) == rulestore.DecisionBlocked {
			h.recordDecision(ctx, qname, "blocked", start)
			return h.finishLogged(requestID, clientIP, question.Name, mapped, qtypeLabel, start, h.staticReply(r, dns.RcodeRefused))
		}

		resp, err := h.forward(ctx, mapped, qtype, clientIP, family, meta)
		if err != nil {
			h.recordDecision(ctx, qname, "servfail", start)
			return h.staticReply(r, dns.RcodeServerFailure)
		}
		reply := h.rewriteCNAMEForward(r, resp, question.Name)
		h.filterAnswerIPs(reply, clientIP)
		h.recordDecision(ctx, qname, "forwarded", start)
		return reply
	}

	resp, err := h.forward(ctx, qname, qtype, clientIP, family, meta)
	if err != nil {
		h.recordDecision(ctx, qname, "servfail", start)
		return h.staticReply(r, dns.RcodeServerFailure)
	}
	reply := h.buildReply(r, resp)
	h.filterAnswerIPs(reply, clientIP)
	h.recordDecision(ctx, qname, "forwarded", start)
	return reply
}

// forward implements [FORWARD]: a named forwarding rule wins outright,
// otherwise the configured default upstreams are tried in order and the
// first successful attempt is used.
func (h *Handler) forward(ctx context.Context, name string, qtype uint16, clientIP string, family forwarder.Family, meta forwarder.QueryMeta) (*dns.Msg, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)
	q.RecursionDesired = true
	q.Id = dns.Id()

	if group, ok := h.store.MatchForwarding(name); ok {
		return h.dispatcher.Dispatch(ctx, group, family, meta, q)
	}

	var lastErr error
	for _, up := range h.cfg.Default {
		resp, err := h.dispatcher.Dispatch(ctx, up, family, meta, q)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// buildReply wraps an upstream response as a reply to the original client
// question: same ID, flags, and question section, upstream's answer.
func (h *Handler) buildReply(r, resp *dns.Msg) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.RecursionAvailable = true
	reply.Rcode = resp.Rcode
	reply.Answer = resp.Answer
	reply.Ns = resp.Ns
	reply.Extra = resp.Extra
	return reply
}

// rewriteCNAMEForward implements the reply-rewrite step that follows a
// cloaking CNAME chase: question name restored to the client's original
// question, authority/additional dropped, CNAME rrsets stripped from the
// answer, and surviving owner names rewritten to the original name. An
// empty answer after stripping becomes NXDOMAIN.
func (h *Handler) rewriteCNAMEForward(r, resp *dns.Msg, origName string) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.RecursionAvailable = true
	reply.Rcode = resp.Rcode

	if resp.Rcode == dns.RcodeSuccess {
		for _, rr := range resp.Answer {
			if rr.Header().Rrtype == dns.TypeCNAME {
				continue
			}
			rr.Header().Name = origName
			reply.Answer = append(reply.Answer, rr)
		}
		if len(reply.Answer) == 0 {
			reply.Rcode = dns.RcodeNameError
		}
	}
	return reply
}

// filterAnswerIPs implements [IP-FILTER]: blocked answer addresses are
// removed; if nothing but CNAME rrsets (or nothing at all) remains, the
// reply collapses to REFUSED. Applying it twice is a no-op the second time,
// since a kept record's decision can't change between passes.
func (h *Handler) filterAnswerIPs(reply *dns.Msg, clientIP string) {
	if reply.Rcode != dns.RcodeSuccess {
		return
	}

	kept := make([]dns.RR, 0, len(reply.Answer))
	for _, rr := range reply.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			kept = append(kept, rr)
			continue
		}
		if h.store.MatchIPDecision(clientIP, ip.String()) == rulestore.DecisionBlocked {
			continue
		}
		kept = append(kept, rr)
	}
	reply.Answer = kept

	hasAnswer := false
	for _, rr := range reply.Answer {
		if rr.Header().Rrtype != dns.TypeCNAME {
			hasAnswer = true
			break
		}
	}
	if !hasAnswer {
		reply.Answer = nil
		reply.Ns = nil
		reply.Extra = nil
		reply.Rcode = dns.RcodeRefused
	}
}

// synthesize builds a NOERROR reply whose answer is entirely local, per
// the [CLOAK] direct-match case.
func (h *Handler) synthesize(r *dns.Msg, name string, answers []rulestore.CloakingAnswer) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.RecursionAvailable = true
	reply.Rcode = dns.RcodeSuccess

	recs := make([]dns.RR, 0, len(answers))
	for _, a := range answers {
		hdr := dns.RR_Header{Name: name, Class: dns.ClassINET, Ttl: cloakTTL}
		switch a.RecordType {
		case ruleparser.RecordA:
			hdr.Rrtype = dns.TypeA
			recs = append(recs, &dns.A{Hdr: hdr, A: net.ParseIP(a.Mapped)})
		case ruleparser.RecordAAAA:
			hdr.Rrtype = dns.TypeAAAA
			recs = append(recs, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP(a.Mapped)})
		}
	}
	if len(recs) > 2 {
		rand.Shuffle(len(recs), func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })
	}
	reply.Answer = recs
	return reply
}

func (h *Handler) staticReply(r *dns.Msg, rcode int) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.RecursionAvailable = true
	reply.Rcode = rcode
	return reply
}

// finishLogged is used on paths that never reached the dispatcher: it
// emits the lone pipeline-level RequestLog entry the spec requires for
// decisions resolved entirely locally (§8, log completeness).
func (h *Handler) finishLogged(requestID, clientIP, name, cname, qtypeLabel string, start time.Time, reply *dns.Msg) *dns.Msg {
	if h.sink != nil {
		h.sink.Enqueue(requestlog.Entry{
			RequestID:      requestID,
			ClientIP:       clientIP,
			Name:           name,
			CNAME:          cname,
			QuestionType:   qtypeLabel,
			ResponseStatus: dns.RcodeToString[reply.Rcode],
			ElapsedMS:      float64(time.Since(start).Microseconds()) / 1000.0,
		})
	}
	return reply
}

// recordDecision increments the resolver's query counter, tagged by the
// pipeline's terminal decision, records the end-to-end handling duration,
// and logs the same elapsed time at debug level — the Go equivalent of
// original_source/simple/stopwatch.py's Stopwatch, which wraps each stage
// of threading_server.py's handle() and logs elapsed_milliseconds around
// it rather than just persisting it to the request log.
func (h *Handler) recordDecision(ctx context.Context, qname, decision string, start time.Time) {
	elapsedMS := float64(time.Since(start).Microseconds()) / 1000.0

	if h.logger != nil {
		h.logger.WithContext(ctx).Debug("stage complete",
			"name", qname, "decision", decision, "elapsed_ms", elapsedMS)
	}

	if h.metrics == nil {
		return
	}
	h.metrics.QueriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
	h.metrics.QueryDuration.Record(ctx, elapsedMS)
}

// dnsTypeLabel renders a query type the way the request log expects it,
// falling back to TYPE#### per RFC 3597 for anything unrecognized.
func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}
