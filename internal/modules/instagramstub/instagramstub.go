// Package instagramstub implements the Instagram-fetch module named in
// SPEC_FULL.md §10 (Supplemented Features): a module registered for
// SourceType "instagram" that exercises the instagram queue and Job API
// wiring end to end while returning a deterministic empty
// result set, since no Instagram API credentials are available in this
// environment. Real account scraping is intentionally out of scope
// (spec.md Non-goals); this stub exists only to give the instagram
// queue, the per-account rate limiter, and the Source.InstagramUsername
// field a real, reachable code path instead of leaving them unwired.
package instagramstub

import (
	"github.com/openvenue/aggregator/internal/model"
	"github.com/openvenue/aggregator/internal/modules"
)

// Key is the module key Instagram-type sources register under.
const Key = "instagram_stub"

func init() {
	modules.Register(Module{})
}

type Module struct{}

func (Module) Key() string                          { return Key }
func (Module) Label() string                         { return "Instagram Account (stub)" }
func (Module) StartURLs() []string                   { return nil }
func (Module) PaginationType() modules.PaginationType { return modules.PaginationInfinite }
func (Module) IntegrationTags() []string             { return []string{"instagram"} }

// Run always succeeds with zero events. A future implementation would
// drive rc.Page against instagram.com/<username> using rc.RateLimiter
// to stay under the platform's anonymous-browsing threshold.
func (Module) Run(rc *modules.RunContext) ([]model.RawEvent, error) {
	if rc.Logger != nil {
		rc.Logger.Infow("instagram module stub invoked, returning no events",
			"sourceId", rc.SourceID,
			"username", rc.Source.InstagramUsername,
		)
	}
	return nil, nil
}
