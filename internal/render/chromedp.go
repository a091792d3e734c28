package render

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rmarchant/webextract/internal/metrics"
	"github.com/rmarchant/webextract/internal/session"
)

// EngineConfig tunes the chromedp engine.
type EngineConfig struct {
	UserAgent      string
	DefaultTimeout time.Duration
	// HostQPS rate-limits renders per host; zero disables limiting.
	HostQPS float64
}

// Engine drives headless Chrome. One Engine owns the browser process;
// sessions are tabs created through the pool factory.
type Engine struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	cfg             EngineConfig
	hostLimiters    sync.Map
}

// NewEngine launches the browser and warms it up.
func NewEngine(cfg EngineConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Engine{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		cfg:             cfg,
	}, nil
}

// Close tears down the browser and allocator.
func (e *Engine) Close(context.Context) error {
	if e == nil {
		return nil
	}
	e.browserCancel()
	e.allocatorCancel()
	return nil
}

// NewHandle creates a fresh tab for the session pool.
func (e *Engine) NewHandle(context.Context) (session.Handle, error) {
	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx)
	// Materialize the tab so a dead browser fails here, not mid-render.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &Tab{ctx: tabCtx, cancel: tabCancel}, nil
}

// Tab is one browser tab held by a pooled session.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Healthy reports whether the tab's browser context is still live.
func (t *Tab) Healthy(context.Context) bool {
	return t.ctx.Err() == nil
}

// Close disposes the tab.
func (t *Tab) Close(context.Context) error {
	t.cancel()
	return nil
}

// RenderWith navigates the session's tab and returns the DOM snapshot
// plus a full-page screenshot.
func (e *Engine) RenderWith(ctx context.Context, sess *session.Session, req Request) (Page, error) {
	tab, ok := sess.Handle().(*Tab)
	if !ok {
		return Page{}, NewError(KindCrash, true, fmt.Errorf("session handle is %T, not a browser tab", sess.Handle()))
	}

	if err := e.waitHostBudget(ctx, req.URL); err != nil {
		return Page{}, NewError(KindNavigation, false, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	taskCtx, cancelTask := context.WithTimeout(tab.ctx, timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := newResponseMeta()
	recordResponse(taskCtx, meta)

	var html string
	var shot []byte
	tasks := chromedp.Tasks{
		network.Enable(),
	}
	if e.cfg.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(e.cfg.UserAgent))
	}
	tasks = append(tasks,
		chromedp.Navigate(req.URL),
		waitTask(req),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.FullScreenshot(&shot, 90),
	)
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		rerr := classify(ctx, tab, err)
		if kind, ok := kindOf(rerr); ok {
			metrics.ObserveRender(req.URL, string(kind), 0)
		}
		return Page{}, rerr
	}

	metrics.ObserveRender(req.URL, "ok", len(html))
	return Page{
		URL:        req.URL,
		FinalURL:   meta.finalURL(req.URL),
		StatusCode: meta.statusCode,
		HTML:       html,
		Screenshot: shot,
	}, nil
}

func waitTask(req Request) chromedp.Action {
	switch req.Wait {
	case WaitVisible:
		return chromedp.WaitVisible("body", chromedp.ByQuery)
	case WaitSleep:
		delay := req.WaitDelay
		if delay <= 0 {
			delay = 2 * time.Second
		}
		return chromedp.Tasks{
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(delay),
		}
	default:
		return chromedp.WaitReady("body", chromedp.ByQuery)
	}
}

// classify maps a chromedp failure onto the render error taxonomy.
func classify(callerCtx context.Context, tab *Tab, err error) error {
	switch {
	case errors.Is(err, context.Canceled) && callerCtx.Err() != nil:
		// Caller cancellation is not a render failure class; let the
		// context error through so retries stop.
		return callerCtx.Err()
	case tab.ctx.Err() != nil:
		return NewError(KindCrash, true, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, false, err)
	case strings.Contains(err.Error(), "net::ERR"),
		strings.Contains(err.Error(), "ERR_NAME_NOT_RESOLVED"):
		return NewError(KindNavigation, false, err)
	default:
		return NewError(KindCrash, true, err)
	}
}

func (e *Engine) waitHostBudget(ctx context.Context, rawURL string) error {
	if e.cfg.HostQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := e.hostLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(e.cfg.HostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

type responseMeta struct {
	once       sync.Once
	statusCode int
	headers    http.Header
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: make(http.Header)}
}

func (m *responseMeta) finalURL(raw string) string {
	if m.url == "" {
		return raw
	}
	return m.url
}

func recordResponse(tabCtx context.Context, meta *responseMeta) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.once.Do(func() {
			meta.statusCode = int(resp.Response.Status)
			meta.url = resp.Response.URL
			for k, v := range resp.Response.Headers {
				meta.headers.Add(k, fmt.Sprint(v))
			}
		})
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
