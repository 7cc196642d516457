// Package fakefixed provides a deterministic, network-free module used
// by Scraper Runtime tests (spec Scenario A: basic successful pipeline).
// It mirrors the shape of a real module without touching rc.Page, the
// way the teacher's testcase package stubbed gmaps jobs for tests that
// could not hit the network.
package fakefixed

import (
	"encoding/json"

	"github.com/openvenue/aggregator/internal/model"
	"github.com/openvenue/aggregator/internal/modules"
)

// Key is the module key fixed sources register under to exercise this
// module.
const Key = "fake_fixed"

func init() {
	modules.Register(Module{})
}

// Module returns the same two fixed raw events, each with its own
// SourceEventID, on every invocation, so repeated runs against the same
// source are observably idempotent at the store layer (Scenario C).
type Module struct{}

func (Module) Key() string                          { return Key }
func (Module) Label() string                         { return "Fixed Test Events" }
func (Module) StartURLs() []string                   { return []string{"https://example.invalid/events"} }
func (Module) PaginationType() modules.PaginationType { return modules.PaginationNone }
func (Module) IntegrationTags() []string             { return []string{"test"} }

func (Module) Run(rc *modules.RunContext) ([]model.RawEvent, error) {
	if rc.Stats != nil {
		rc.Stats.IncrPage()
	}

	lat, lon := 40.7128, -74.0060
	raw, _ := json.Marshal(map[string]string{"fixture": "fake_fixed"})

	return []model.RawEvent{
		{
			SourceEventID: "fixed-1",
			Title:         "Fixed Test Event One",
			Start:         "2026-09-01T19:00:00",
			End:           "2026-09-01T21:00:00",
			Timezone:      "America/New_York",
			VenueName:     "Fixture Hall",
			VenueAddress:  "1 Fixture Way",
			City:          "New York",
			Region:        "NY",
			Country:       "US",
			Lat:           &lat,
			Lon:           &lon,
			Organizer:     "Fixture Presents",
			Category:      "music",
			URL:           "https://example.invalid/events/fixed-1",
			Tags:          []string{"test", "fixture"},
			Raw:           raw,
		},
		{
			SourceEventID: "fixed-2",
			Title:         "Fixed Test Event Two",
			Start:         "2026-09-02T12:00:00",
			End:           "",
			Timezone:      "America/New_York",
			VenueName:     "Fixture Annex",
			VenueAddress:  "2 Fixture Way",
			City:          "New York",
			Region:        "NY",
			Country:       "US",
			Organizer:     "Fixture Presents",
			Category:      "market",
			URL:           "https://example.invalid/events/fixed-2",
			Tags:          []string{"test"},
			Raw:           raw,
		},
	}, nil
}
