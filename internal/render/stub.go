package render

import (
	"context"
	"errors"
	"sync"

	"github.com/rmarchant/webextract/internal/session"
)

// StubEngine serves canned pages without a browser. It backs development
// runs and tests.
type StubEngine struct {
	mu    sync.Mutex
	pages map[string]Page
	errs  map[string]error
	calls int
}

// NewStubEngine creates an empty stub.
func NewStubEngine() *StubEngine {
	return &StubEngine{
		pages: make(map[string]Page),
		errs:  make(map[string]error),
	}
}

// AddPage registers a canned result for a URL.
func (s *StubEngine) AddPage(url string, page Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page.URL = url
	if page.FinalURL == "" {
		page.FinalURL = url
	}
	s.pages[url] = page
}

// FailWith registers a canned failure for a URL.
func (s *StubEngine) FailWith(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[url] = err
}

// Calls reports how many renders were attempted.
func (s *StubEngine) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// NewHandle returns an always-healthy stub handle.
func (s *StubEngine) NewHandle(context.Context) (session.Handle, error) {
	return stubHandle{}, nil
}

// RenderWith returns the canned page or failure for the request URL.
func (s *StubEngine) RenderWith(_ context.Context, _ *session.Session, req Request) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.errs[req.URL]; ok {
		return Page{}, err
	}
	if page, ok := s.pages[req.URL]; ok {
		return page, nil
	}
	return Page{}, NewError(KindNavigation, false, errors.New("no stub page for "+req.URL))
}

type stubHandle struct{}

func (stubHandle) Healthy(context.Context) bool { return true }
func (stubHandle) Close(context.Context) error  { return nil }
