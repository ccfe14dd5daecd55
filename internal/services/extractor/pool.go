// Package extractor drives the upstream process platform with headless
// browsers: authenticate with the service account, locate a process by NUP,
// walk its document tree and bring back every document body as a typed dump.
package extractor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// BrowserPool keeps a fixed set of warm headless browsers. Checkout is
// exclusive: an extraction owns its browser until released, because the flow
// types into forms and two flows sharing a tab would interleave.
type BrowserPool struct {
	mu               sync.Mutex
	browsers         []context.Context
	browserCancels   []context.CancelFunc
	allocatorCancels []context.CancelFunc
	slots            chan int
	size             int
	headless         bool
	userAgent        string
	initialized      bool
	logger           arbor.ILogger
}

const poolStartupProbeTimeout = 30 * time.Second

// NewBrowserPool returns an uninitialized pool; Init starts the browsers.
func NewBrowserPool(size int, headless bool, logger arbor.ILogger) *BrowserPool {
	if size <= 0 {
		size = 1
	}
	return &BrowserPool{
		size:      size,
		headless:  headless,
		userAgent: "explico-extractor/1.0",
		logger:    logger,
	}
}

// Init launches the browser instances and probes each one. Partial success is
// accepted; total failure is not.
func (p *BrowserPool) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	p.logger.Info().
		Int("pool_size", p.size).
		Bool("headless", p.headless).
		Msg("Starting browser pool")

	p.slots = make(chan int, p.size)
	created := 0
	var lastErr error
	for i := 0; i < p.size; i++ {
		if err := p.createInstance(ctx, i); err != nil {
			lastErr = err
			p.logger.Warn().
				Err(err).
				Int("browser_index", i).
				Msg("Failed to start browser instance")
			continue
		}
		p.slots <- created
		created++
	}

	if created == 0 {
		p.cleanupLocked()
		return fmt.Errorf("failed to start any browser instance: %w", lastErr)
	}
	if created < p.size {
		p.logger.Warn().
			Int("requested", p.size).
			Int("started", created).
			Msg("Browser pool started degraded")
		p.size = created
	}

	p.initialized = true
	p.logger.Info().
		Int("browsers", created).
		Msg("Browser pool ready")
	return nil
}

func (p *BrowserPool) createInstance(ctx context.Context, index int) error {
	start := time.Now()

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(p.userAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	probeCtx, probeCancel := context.WithTimeout(browserCtx, poolStartupProbeTimeout)
	defer probeCancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("browser failed startup probe: %w", err)
	}

	p.browsers = append(p.browsers, browserCtx)
	p.browserCancels = append(p.browserCancels, browserCancel)
	p.allocatorCancels = append(p.allocatorCancels, allocatorCancel)

	p.logger.Debug().
		Int("browser_index", index).
		Dur("startup_time", time.Since(start)).
		Msg("Browser instance started")
	return nil
}

// Get checks out a browser exclusively. The release func must be called when
// the extraction is done, on every path.
func (p *BrowserPool) Get(ctx context.Context) (context.Context, func(), error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("browser pool not initialized")
	}
	slots := p.slots
	p.mu.Unlock()

	select {
	case idx := <-slots:
		p.mu.Lock()
		browserCtx := p.browsers[idx]
		p.mu.Unlock()

		var once sync.Once
		release := func() {
			once.Do(func() {
				slots <- idx
				p.logger.Debug().Int("browser_index", idx).Msg("Browser released")
			})
		}
		p.logger.Debug().Int("browser_index", idx).Msg("Browser checked out")
		return browserCtx, release, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Close tears down every browser. Blocks until cleanup finishes or times out.
func (p *BrowserPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}

	count := len(p.browsers)
	done := make(chan struct{})
	go func() {
		p.cleanupLocked()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		p.logger.Warn().Int("browsers", count).Msg("Browser pool shutdown timed out")
	}

	p.initialized = false
	p.logger.Info().Int("browsers", count).Msg("Browser pool shut down")
	return nil
}

func (p *BrowserPool) cleanupLocked() {
	for _, cancel := range p.browserCancels {
		if cancel != nil {
			cancel()
		}
	}
	for _, cancel := range p.allocatorCancels {
		if cancel != nil {
			cancel()
		}
	}
	p.browsers = nil
	p.browserCancels = nil
	p.allocatorCancels = nil
}
