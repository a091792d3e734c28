package extract

import (
	"context"
	"sync"
)

// StubStrategy returns canned results without calling any provider. It
// backs development runs and tests.
type StubStrategy struct {
	name string

	mu      sync.Mutex
	raw     string
	err     error
	calls   int
	lastReq Request
}

// NewStubStrategy creates a stub answering with an empty object.
func NewStubStrategy(name string) *StubStrategy {
	return &StubStrategy{name: name, raw: "{}"}
}

// Respond sets the canned raw response.
func (s *StubStrategy) Respond(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = raw
	s.err = nil
}

// FailWith sets a canned failure.
func (s *StubStrategy) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls reports how many extractions were requested.
func (s *StubStrategy) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// LastRequest returns the most recent request seen.
func (s *StubStrategy) LastRequest() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq
}

// Name implements Strategy.
func (s *StubStrategy) Name() string { return s.name }

// EstimateUnits implements Strategy.
func (s *StubStrategy) EstimateUnits(content string) int {
	return defaultEstimate(content)
}

// Extract returns the canned response, still validated against the
// request schema so mismatch handling can be exercised.
func (s *StubStrategy) Extract(_ context.Context, req Request) (Result, error) {
	s.mu.Lock()
	raw, err := s.raw, s.err
	s.calls++
	s.lastReq = req
	s.mu.Unlock()

	if err != nil {
		return Result{Attempts: 1}, err
	}
	value, verr := decodeAgainstSchema(raw, req.Schema)
	if verr != nil {
		return Result{Attempts: 1}, &Error{
			Kind:        KindSchemaMismatch,
			Provider:    s.name,
			RawResponse: raw,
			Cause:       verr,
		}
	}
	return Result{Value: value, Raw: raw, Attempts: 1}, nil
}
