// Package server implements C7: the listener fabric — four independent
// DNS listeners (UDPv4, UDPv6, TCPv4, TCPv6) bound to the configured port,
// each passing decoded queries straight to the query pipeline (C6) and
// writing back its reply; request logging and metrics happen inside the
// pipeline and dispatcher, not here.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"localdns/pkg/forwarder"
	"localdns/pkg/logging"
	"localdns/pkg/pipeline"
)

// Server owns the four dns.Server listeners sharing one pipeline Handler.
type Server struct {
	port    int
	handler *pipeline.Handler
	logger  *logging.Logger

	mu      sync.RWMutex
	running bool
	servers []*dns.Server
}

// New builds a Server bound to port, serving every query through handler.
func New(port int, handler *pipeline.Handler, logger *logging.Logger) *Server {
	return &Server{port: port, handler: handler, logger: logger}
}

type listenerSpec struct {
	net    string
	addr   string
	family forwarder.Family
}

func (s *Server) specs() []listenerSpec {
	port := s.port
	return []listenerSpec{
		{net: "udp4", addr: fmt.Sprintf("0.0.0.0:%d", port), family: forwarder.FamilyV4},
		{net: "udp6", addr: fmt.Sprintf("[::]:%d", port), family: forwarder.FamilyV6},
		{net: "tcp4", addr: fmt.Sprintf("0.0.0.0:%d", port), family: forwarder.FamilyV4},
		{net: "tcp6", addr: fmt.Sprintf("[::]:%d", port), family: forwarder.FamilyV6},
	}
}

// Start launches all four listeners as background workers and blocks until
// ctx is canceled or one of them fails to start, in which case the others
// are shut down before the error is returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server: already running")
	}
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 4)

	for _, spec := range s.specs() {
		spec := spec
		srv := &dns.Server{
			Addr:    spec.addr,
			Net:     spec.net,
			Handler: dns.HandlerFunc(s.serveFunc(spec.family)),
		}

		s.mu.Lock()
		s.servers = append(s.servers, srv)
		s.mu.Unlock()

		go func() {
			s.logger.Info("listener starting", "net", spec.net, "addr", spec.addr)
			if err := srv.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("server: %s %s: %w", spec.net, spec.addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	}
}

// serveFunc returns the dns.HandlerFunc for a listener of the given
// family: decode is already done by miekg/dns, so this just runs the
// pipeline and writes back whatever it returns (nil means drop).
func (s *Server) serveFunc(family forwarder.Family) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		clientIP := clientIPOf(w)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		reply := s.handler.Handle(ctx, clientIP, family, r)
		if reply == nil {
			return
		}
		if err := w.WriteMsg(reply); err != nil {
			s.logger.Debug("write reply failed", "client", clientIP, "error", err)
		}
	}
}

// clientIPOf extracts the remote address's host part, stripping the port.
func clientIPOf(w dns.ResponseWriter) string {
	addr := w.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Shutdown stops accepting new connections and waits for in-flight
// handlers to finish (bounded by the upstream dispatcher's 2-second
// per-attempt deadline) before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	var errs []error
	for _, srv := range s.servers {
		if err := srv.ShutdownContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.running = false

	if len(errs) > 0 {
		return fmt.Errorf("server: shutdown errors: %v", errs)
	}
	return nil
}
