// Package browserpool implements the bounded pool of headless-browser
// contexts described in spec §4.5, built directly on
// github.com/playwright-community/playwright-go, the same library the
// teacher drives from gmaps/job.go's BrowserActions and
// scrape_app/google_map_scrape_app.go's startup/shutdown sequence.
package browserpool

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// Pool hands out incognito pages from a fixed set of browser contexts.
// Pages are never shared concurrently: the pool is the sole mutator of
// browser handles (spec §4.5 Safety).
type Pool struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
	free     chan playwright.BrowserContext
}

// New launches a headless Chromium instance and pre-creates size
// incognito browser contexts.
func New(size int, headless bool) (*Pool, error) {
	if size <= 0 {
		size = 3
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launching chromium: %w", err)
	}

	p := &Pool{pw: pw, browser: browser, headless: headless, free: make(chan playwright.BrowserContext, size)}

	for i := 0; i < size; i++ {
		bctx, err := browser.NewContext()
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("creating browser context %d: %w", i, err)
		}
		p.free <- bctx
	}

	return p, nil
}

// Checkout blocks, respecting ctx cancellation, until a free context is
// available, then opens a fresh incognito page on it. The returned
// release func must be called exactly once; pass crashed=true when the
// caller observed an uncaught navigation crash so the pool discards the
// underlying context instead of returning it to the free list (spec
// §4.5). The replacement context is created inside release itself, not
// on a later Checkout; if creating it fails, the pool has one context
// fewer.
func (p *Pool) Checkout(ctx context.Context) (playwright.Page, func(crashed bool), error) {
	select {
	case bctx := <-p.free:
		page, err := bctx.NewPage()
		if err != nil {
			// the context itself may be wedged; discard and recreate.
			bctx.Close()
			fresh, ferr := p.browser.NewContext()
			if ferr != nil {
				return nil, nil, fmt.Errorf("recreating browser context: %w", ferr)
			}
			page, err = fresh.NewPage()
			if err != nil {
				return nil, nil, fmt.Errorf("opening page on recreated context: %w", err)
			}
			bctx = fresh
		}

		release := func(crashed bool) {
			_ = page.Close()
			if crashed {
				bctx.Close()
				if fresh, err := p.browser.NewContext(); err == nil {
					p.free <- fresh
				}
				return
			}
			p.free <- bctx
		}

		return page, release, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Close shuts down the browser and the playwright driver.
func (p *Pool) Close() error {
	close(p.free)
	for bctx := range p.free {
		bctx.Close()
	}
	if p.browser != nil {
		if err := p.browser.Close(); err != nil {
			return err
		}
	}
	if p.pw != nil {
		return p.pw.Stop()
	}
	return nil
}
