package matcher

import (
	"strings"
	"unicode"

	"github.com/umahmood/haversine"
	"github.com/xrash/smetrics"
)

var corpSuffixes = []string{"inc", "llc", "ltd", "corp", "company", "organization", "org"}

// normalizeText lowercases, strips punctuation, and collapses
// whitespace, the normalization spec §4.9 Phase 3 requires before any
// similarity comparison.
func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// normalizeOrganizer additionally drops every corporate suffix word,
// wherever it appears in the name, per spec §4.9 Phase 3.
func normalizeOrganizer(s string) string {
	norm := normalizeText(s)
	fields := strings.Fields(norm)
	out := fields[:0]
	for _, f := range fields {
		skip := false
		for _, suf := range corpSuffixes {
			if f == suf {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

// tokenSetRatio compares the sorted, de-duplicated token sets of two
// strings: intersection size over union size.
func tokenSetRatio(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	union := make(map[string]bool, len(ta)+len(tb))
	for t := range ta {
		union[t] = true
	}
	for t := range tb {
		union[t] = true
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	return float64(inter) / float64(len(union))
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(s) {
		set[f] = true
	}
	return set
}

// jaroWinkler wraps smetrics.JaroWinkler with the package's canonical
// boost/threshold parameters.
func jaroWinkler(a, b string) float64 {
	if a == "" && b == "" {
		return 0
	}
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

// TitleSimilarity implements spec §4.9 Phase 3:
// 0.6 * token-set-ratio + 0.4 * Jaro-Winkler, over normalized titles.
func TitleSimilarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" || nb == "" {
		return 0
	}
	return 0.6*tokenSetRatio(na, nb) + 0.4*jaroWinkler(na, nb)
}

// OrganizerSimilarity is Jaro-Winkler over normalized, corp-suffix
// stripped organizer names.
func OrganizerSimilarity(a, b string) float64 {
	na, nb := normalizeOrganizer(a), normalizeOrganizer(b)
	if na == "" || nb == "" {
		return 0
	}
	return jaroWinkler(na, nb)
}

// VenueNameSimilarity is Jaro-Winkler over normalized venue names, used
// both for blocking and as the name-similarity fallback in venue
// distance computation.
func VenueNameSimilarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" || nb == "" {
		return 0
	}
	return jaroWinkler(na, nb)
}

// CitySimilarity is Jaro-Winkler over normalized city names.
func CitySimilarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" || nb == "" {
		return 0
	}
	return jaroWinkler(na, nb)
}

// VenueDistanceKM computes geodesic distance in km when both events
// carry coordinates, falling back to a name-similarity-derived pseudo
// distance when they don't, and reporting undefined (nil) when neither
// signal is available (spec §4.9 Phase 3).
func VenueDistanceKM(latA, lonA, latB, lonB *float64, nameA, nameB string) *float64 {
	if latA != nil && lonA != nil && latB != nil && lonB != nil {
		pa := haversine.Coord{Lat: *latA, Lon: *lonA}
		pb := haversine.Coord{Lat: *latB, Lon: *lonB}
		_, km := haversine.Distance(pa, pb)
		return &km
	}

	na, nb := normalizeText(nameA), normalizeText(nameB)
	if na == "" || nb == "" {
		return nil
	}
	sim := jaroWinkler(na, nb)
	d := (1 - sim) * 10
	return &d
}

// round15MinBucket rounds down a minutes-since-epoch timestamp to the
// start of its containing 15-minute slot, per spec §4.9 Phase 2.
func round15MinBucket(minutesSinceEpoch int64) int64 {
	return (minutesSinceEpoch / 15) * 15
}
