package dispatch

import (
	"context"
	"sync"

	"conversion_dispatch_backend/internal/events"

	"github.com/google/uuid"
)

type statusKey struct {
	id       uuid.UUID
	platform Platform
}

type fakeStatusStore struct {
	mu         sync.Mutex
	status     map[statusKey]DeliveryStatus
	attempts   map[statusKey]int
	errors     map[statusKey]string
	attemptErr error
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{
		status:   map[statusKey]DeliveryStatus{},
		attempts: map[statusKey]int{},
		errors:   map[statusKey]string{},
	}
}

func (s *fakeStatusStore) Status(_ context.Context, id uuid.UUID, p Platform) (DeliveryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[statusKey{id, p}]; ok {
		return st, nil
	}
	return StatusPending, nil
}

func (s *fakeStatusStore) RecordAttempt(_ context.Context, id uuid.UUID, p Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attemptErr != nil {
		return s.attemptErr
	}
	s.attempts[statusKey{id, p}]++
	return nil
}

func (s *fakeStatusStore) RecordError(_ context.Context, id uuid.UUID, p Platform, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[statusKey{id, p}] = message
	return nil
}

func (s *fakeStatusStore) mark(id uuid.UUID, p Platform, st DeliveryStatus, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statusKey{id, p}
	if cur, ok := s.status[key]; ok && cur.Final() {
		return false
	}
	s.status[key] = st
	s.errors[key] = reason
	return true
}

func (s *fakeStatusStore) MarkSent(_ context.Context, id uuid.UUID, p Platform) (bool, error) {
	return s.mark(id, p, StatusSent, ""), nil
}

func (s *fakeStatusStore) MarkSkipped(_ context.Context, id uuid.UUID, p Platform, reason string) (bool, error) {
	return s.mark(id, p, StatusSkipped, reason), nil
}

func (s *fakeStatusStore) MarkFailed(_ context.Context, id uuid.UUID, p Platform, reason string) (bool, error) {
	return s.mark(id, p, StatusFailed, reason), nil
}

func (s *fakeStatusStore) get(id uuid.UUID, p Platform) (DeliveryStatus, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[statusKey{id, p}]
	if !ok {
		st = StatusPending
	}
	return st, s.attempts[statusKey{id, p}]
}

type fakeCredentials struct {
	mu        sync.Mutex
	cred      *Credential
	activated int
	errored   []string
}

func (c *fakeCredentials) Credential(context.Context, uuid.UUID, Platform) (*Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil {
		return nil, nil
	}
	cp := *c.cred
	return &cp, nil
}

func (c *fakeCredentials) MarkActive(context.Context, uuid.UUID, Platform) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activated++
	if c.cred != nil {
		c.cred.Status = CredentialActive
	}
	return nil
}

func (c *fakeCredentials) MarkError(_ context.Context, _ uuid.UUID, _ Platform, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errored = append(c.errored, reason)
	if c.cred != nil {
		c.cred.Status = CredentialError
	}
	return nil
}

type fakeAdapter struct {
	platform Platform
	calls    int
	result   Result
	err      error
}

func (a *fakeAdapter) Platform() Platform { return a.platform }

func (a *fakeAdapter) Deliver(context.Context, Job, Credential) (Result, error) {
	a.calls++
	return a.result, a.err
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) PublishSync(ctx context.Context, e events.Event) error {
	b.Publish(ctx, e)
	return nil
}

func (b *recordingBus) Subscribe(string, events.Handler) {}

func (b *recordingBus) attempts() []events.DispatchAttempted {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.DispatchAttempted
	for _, e := range b.events {
		if a, ok := e.(events.DispatchAttempted); ok {
			out = append(out, a)
		}
	}
	return out
}
