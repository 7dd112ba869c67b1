package ipcserver

import (
	"fmt"
	"sync"

	"github.com/rialtoipc/rialtoipc/ipcmessage"
)

// Respond is handed to a service handler for methods that expect a reply.
// The handler must eventually call it exactly once, from any goroutine,
// with a populated response message (ignored if the controller was failed).
type Respond func(response ipcmessage.Message)

// Handler implements one RPC method. For a no_reply method, respond is a
// no-op and may be ignored.
type Handler func(ctrl *Controller, request ipcmessage.Message, respond Respond)

// Method describes one RPC entry point: its request/response schema
// constructors and its handler.
type Method struct {
	Name        string
	NoReply     bool
	NewRequest  func() ipcmessage.Message
	NewResponse func() ipcmessage.Message // nil when NoReply
	Handle      Handler
}

// Service groups a set of methods under a full_name callers address in
// Call envelopes.
type Service struct {
	Name string

	mu      sync.RWMutex
	methods map[string]*Method
}

// NewService creates an empty service named name.
func NewService(name string) *Service {
	return &Service{Name: name, methods: make(map[string]*Method)}
}

// AddMethod registers m under its Name. It panics on a duplicate name,
// since that is a programming error in the service's own registration code,
// not a runtime condition a caller can recover from.
func (s *Service) AddMethod(m Method) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[m.Name]; exists {
		panic(fmt.Sprintf("ipcserver: service %s already has a method %s", s.Name, m.Name))
	}
	s.methods[m.Name] = &m
}

func (s *Service) method(name string) (*Method, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[name]
	return m, ok
}

// registry is the server's read-mostly service_name -> Service table.
type registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

func newRegistry() *registry {
	return &registry{services: make(map[string]*Service)}
}

// Register adds svc under svc.Name. Re-registering the same name replaces
// the previous service.
func (r *registry) Register(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Name] = svc
}

func (r *registry) lookup(serviceName string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[serviceName]
	return svc, ok
}
