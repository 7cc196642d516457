// Package normalize implements the pure, deterministic raw-event
// normalization step (spec §4.8): timezone resolution, datetime
// parsing, content hashing, and field clamping. It mirrors the
// string-trimming and lowercase-normalization idioms found throughout
// gmaps/entry.go and gmaps/place.go, generalized from map-listing
// fields to calendar-event fields.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/openvenue/aggregator/internal/model"
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Normalize converts a module's raw event into a persisted EventRaw,
// resolving its timezone against source.DefaultTimezone, parsing its
// datetimes, computing a content hash, and clamping/trimming fields.
// It is side-effect-free: the same inputs always produce the same
// output, down to field order and string casing.
func Normalize(raw model.RawEvent, source model.Source) (model.EventRaw, error) {
	tz, err := resolveTimezone(raw.Timezone, source.DefaultTimezone)
	if err != nil {
		return model.EventRaw{}, fmt.Errorf("resolving timezone: %w", err)
	}

	start, err := parseDatetime(raw.Start, tz)
	if err != nil {
		return model.EventRaw{}, fmt.Errorf("parsing start datetime %q: %w", raw.Start, err)
	}

	var end *time.Time
	if strings.TrimSpace(raw.End) != "" {
		if e, err := parseDatetime(raw.End, tz); err == nil {
			end = reconcileEnd(start, e)
		}
		// An unparseable end is dropped silently, matching spec §4.8's
		// "drop end and log" (the caller owns logging).
	}

	ev := model.EventRaw{
		SourceID:        source.ID,
		SourceEventID:   strings.TrimSpace(raw.SourceEventID),
		Title:           strings.TrimSpace(raw.Title),
		DescriptionHTML: sanitizeDescriptionHTML(raw.DescriptionHTML),
		StartDatetime:   start.UTC(),
		EndDatetime:     end,
		Timezone:        tz.String(),
		VenueName:       strings.TrimSpace(raw.VenueName),
		VenueAddress:    strings.TrimSpace(raw.VenueAddress),
		City:            strings.TrimSpace(raw.City),
		Region:          strings.TrimSpace(raw.Region),
		Country:         strings.TrimSpace(raw.Country),
		// Lat/Lon are clamped independently: an out-of-range value on one
		// axis is dropped without discarding a valid reading on the other.
		Lat:             clampRange(raw.Lat, -90, 90),
		Lon:             clampRange(raw.Lon, -180, 180),
		Organizer:       strings.TrimSpace(raw.Organizer),
		Category:        strings.TrimSpace(raw.Category),
		Price:           strings.TrimSpace(raw.Price),
		Tags:            tagSet(raw.Tags),
		URL:             strings.TrimSpace(raw.URL),
		ImageURL:        strings.TrimSpace(raw.ImageURL),
		ScrapedAt:       time.Now().UTC(),
		Raw:             raw.Raw,
	}

	ev.ContentHash = contentHash(ev)

	return ev, nil
}

func resolveTimezone(raw, fallback string) (*time.Location, error) {
	if loc, err := time.LoadLocation(strings.TrimSpace(raw)); err == nil && raw != "" {
		return loc, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(fallback))
	if err != nil {
		return nil, fmt.Errorf("loading fallback timezone %q: %w", fallback, err)
	}
	return loc, nil
}

func parseDatetime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}

	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if !strings.Contains(layout, "Z07:00") {
			// layout had no offset component: reinterpret the wall-clock
			// reading in the resolved zone instead of keeping UTC.
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized datetime format")
}

// reconcileEnd applies the wall-clock wrap-forward heuristic: if end
// precedes start, the module likely emitted an end time on the same
// calendar day that actually rolls past midnight (e.g. a 11:30pm-to-
// 12:30am show). Add a day and keep the result only if the resulting
// (forward) duration is six hours or less; a longer wrapped duration
// means the end was simply bad data, so it's dropped instead.
func reconcileEnd(start, end time.Time) *time.Time {
	if end.Before(start) {
		wrapped := end.AddDate(0, 0, 1)
		if wrapped.Sub(start) > 6*time.Hour {
			return nil
		}
		end = wrapped
	}
	e := end.UTC()
	return &e
}

func clampRange(v *float64, min, max float64) *float64 {
	if v == nil || *v < min || *v > max {
		return nil
	}
	cp := *v
	return &cp
}

func tagSet(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// contentHash digests the normalized identifying fields listed in spec
// §4.8 with SHA-256, truncated to 128 bits (32 hex chars), giving a
// durable cross-run idempotency key. deduper/hashmap.go uses fnv for a
// cheaper, process-lifetime "seen" set; this hash instead gets persisted
// and compared across runs, so the stronger digest is worth the cost.
func contentHash(ev model.EventRaw) string {
	host, path := urlHostPath(ev.URL)

	parts := strings.Join([]string{
		strings.ToLower(ev.Title),
		ev.StartDatetime.UTC().Format(time.RFC3339),
		strings.ToLower(ev.VenueName),
		strings.ToLower(ev.City),
		host + path,
	}, "\x1f")

	sum := sha256.Sum256([]byte(parts))
	return hex.EncodeToString(sum[:16])
}

// sanitizeDescriptionHTML strips markup modules have no business
// emitting (script/style/iframe/object/embed and inline event
// handlers) before a description is persisted, using goquery the same
// way scraper modules use it to pick content out of a fetched page.
// A fragment that doesn't parse as HTML is trimmed and stored as-is.
func sanitizeDescriptionHTML(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return raw
	}

	doc.Find("script, style, iframe, object, embed").Remove()

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if len(s.Nodes) == 0 {
			return
		}
		var onAttrs []string
		for _, attr := range s.Nodes[0].Attr {
			if strings.HasPrefix(strings.ToLower(attr.Key), "on") {
				onAttrs = append(onAttrs, attr.Key)
			}
		}
		for _, key := range onAttrs {
			s.RemoveAttr(key)
		}
	})

	body, err := doc.Find("body").Html()
	if err != nil {
		return raw
	}
	return strings.TrimSpace(body)
}

func urlHostPath(raw string) (string, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	return strings.ToLower(u.Host), u.Path
}
