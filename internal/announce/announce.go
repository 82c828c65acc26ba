// Package announce advertises the local explorer API over mDNS. It never
// browses: ledger peers are configured, not discovered.
package announce

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType = "_consequence-explorer._tcp"
	domain      = "local."
)

// registration is the live advertisement.
type registration interface {
	SetText(text []string)
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, ifaces)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFields sets the initial TXT fields.
func WithFields(fields map[string]string) Option {
	return func(s *Service) {
		for k, v := range fields {
			s.fields[k] = v
		}
	}
}

// Service handles mDNS advertisement
type Service struct {
	instance     string
	port         int
	fields       map[string]string
	server       registration
	broadcasting bool
	register     registerFunc
	logger       *slog.Logger
	mu           sync.RWMutex
}

// New creates an advertisement for instance on port. Nothing is sent
// until Start.
func New(instance string, port int, opts ...Option) *Service {
	s := &Service{
		instance: instance,
		port:     port,
		fields:   make(map[string]string),
		register: zeroconfRegister,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins advertising.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broadcasting {
		return fmt.Errorf("already broadcasting")
	}

	server, err := s.register(s.instance, serviceType, domain, s.port, txtRecords(s.fields), nil)
	if err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	s.server = server
	s.broadcasting = true
	s.logger.Info("broadcasting", "instance", s.instance, "port", s.port)
	return nil
}

// Stop withdraws the advertisement. Stopping twice is harmless.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
		s.broadcasting = false
		s.logger.Info("broadcast stopped")
	}
}

// IsBroadcasting returns whether we're currently broadcasting
func (s *Service) IsBroadcasting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broadcasting
}

// Update merges fields into the TXT record, republishing when live. An
// empty value removes the field.
func (s *Service) Update(fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for k, v := range fields {
		if v == "" {
			if _, ok := s.fields[k]; ok {
				delete(s.fields, k)
				changed = true
			}
			continue
		}
		if s.fields[k] != v {
			s.fields[k] = v
			changed = true
		}
	}

	if changed && s.server != nil {
		s.server.SetText(txtRecords(s.fields))
	}
}

// txtRecords renders fields as key=value records in key order.
func txtRecords(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]string, 0, len(keys))
	for _, k := range keys {
		records = append(records, k+"="+fields[k])
	}
	return records
}
