// Package modules defines the scraper module plugin contract (spec
// §4.6/§9) and its discovery-based registry. The contract generalizes
// the teacher's scrapemate.IJob (gmaps/job.go: Process + BrowserActions)
// into a single Run call returning a fully materialized, non-restartable
// sequence of raw events, as spec §4.6/§9 mandates.
package modules

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/openvenue/aggregator/internal/model"
)

// PaginationType classifies how a module walks through result pages.
type PaginationType string

const (
	PaginationNone     PaginationType = "none"
	PaginationNumbered PaginationType = "numbered"
	PaginationInfinite PaginationType = "infinite"
	PaginationCalendar PaginationType = "calendar"
)

// UploadedFile carries operator-supplied content for poster-import
// style sources (spec §4.6 jobData.uploadedFile).
type UploadedFile struct {
	Path    string
	Format  string
	Content []byte
}

// JobData is the per-invocation input a module receives beyond the
// Source row itself (spec §4.6).
type JobData struct {
	TestMode        bool
	DateWindowStart *time.Time
	DateWindowEnd   *time.Time
	UploadedFile    *UploadedFile
}

// Stats is the mutable counter bag a module increments as it works;
// PagesCrawled backs Run.pagesCrawled (spec §4.7 step 4).
type Stats struct {
	PagesCrawled int
}

// IncrPage increments the page-crawled counter. Modules call this on
// every page.Goto, matching spec §4.7 step 4's "module increments on
// each page.goto".
func (s *Stats) IncrPage() { s.PagesCrawled++ }

// RateLimiter is the narrow surface a module needs from the per-source
// token bucket (spec §4.4): modules are expected to call Acquire (or an
// equivalent delay helper) before each outbound fetch, in addition to
// the one call the Scraper Runtime makes itself before invoking Run.
type RateLimiter interface {
	Acquire(ctx context.Context, sourceID uuid.UUID, ratePerMin int) error
}

// RunContext is everything a Module's Run method is given (spec §6's
// plugin interface ctx object).
type RunContext struct {
	Ctx      context.Context
	Page     playwright.Page
	Source   model.Source
	RunID    uuid.UUID
	SourceID uuid.UUID
	Logger   *zap.SugaredLogger
	JobData  JobData
	Stats    *Stats

	RateLimiter RateLimiter
}

// Module is the scraper module plugin contract (spec §4.6).
type Module interface {
	Key() string
	Label() string
	StartURLs() []string
	PaginationType() PaginationType
	IntegrationTags() []string

	// Run scrapes Source and returns a finite, fully materialized set of
	// raw events, or an error if the module failed outright — per spec
	// §4.6, any events collected before an error are discarded by the
	// caller, not returned here.
	Run(rc *RunContext) ([]model.RawEvent, error)
}
