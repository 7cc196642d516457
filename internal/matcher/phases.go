package matcher

import (
	"math"
	"time"

	"github.com/openvenue/aggregator/internal/model"
)

const (
	passBlocking = "blocking"
	passSameTime = "same-time"
)

// blockingCandidates implements spec §4.9 Phase 1: cheap elimination
// rules admit a pair into scoring, then outright rejection rules
// (window days, same sourceEventId) are applied on top.
func blockingCandidates(events []model.EventRaw, windowDays int) []candidate {
	var out []candidate

	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			a, b := events[i], events[j]

			if rejectPair(a, b, windowDays) {
				continue
			}
			if passesBlockingRules(a, b) {
				out = append(out, candidate{a: a, b: b, pass: passBlocking})
			}
		}
	}

	return out
}

func rejectPair(a, b model.EventRaw, windowDays int) bool {
	if a.SourceEventID != "" && b.SourceEventID != "" &&
		a.SourceID == b.SourceID && a.SourceEventID == b.SourceEventID {
		return true
	}
	deltaDays := math.Abs(a.StartDatetime.Sub(b.StartDatetime).Hours()) / 24
	return deltaDays > float64(windowDays)
}

func passesBlockingRules(a, b model.EventRaw) bool {
	deltaMin := math.Abs(a.StartDatetime.Sub(b.StartDatetime).Minutes())
	sameDay := sameCalendarDay(a.StartDatetime, b.StartDatetime)
	crossSource := a.SourceID != b.SourceID

	if sameDay && normalizeText(a.City) == normalizeText(b.City) && deltaMin <= 30 {
		return true
	}
	if sameDay && VenueNameSimilarity(a.VenueName, b.VenueName) >= 0.8 {
		return true
	}
	if TitleSimilarity(a.Title, b.Title) > 0.7 && deltaMin <= 60 {
		return true
	}
	if crossSource && deltaMin <= 15 {
		return true
	}
	if crossSource && sameDay && TitleSimilarity(a.Title, b.Title) > 0.8 {
		return true
	}
	return false
}

func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// sameTimeCandidates implements spec §4.9 Phase 2: bucket events into
// 15-minute UTC slots, and for each slot holding events from ≥2
// distinct sources, enumerate all cross-source pairs within it.
func sameTimeCandidates(events []model.EventRaw) []candidate {
	buckets := make(map[int64][]model.EventRaw)
	for _, e := range events {
		slot := round15MinBucket(e.StartDatetime.UTC().Unix() / 60)
		buckets[slot] = append(buckets[slot], e)
	}

	var out []candidate
	for _, bucket := range buckets {
		sources := make(map[interface{}]bool)
		for _, e := range bucket {
			sources[e.SourceID] = true
		}
		if len(sources) < 2 {
			continue
		}
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				if bucket[i].SourceID == bucket[j].SourceID {
					continue
				}
				out = append(out, candidate{a: bucket[i], b: bucket[j], pass: passSameTime})
			}
		}
	}

	return out
}

type features struct {
	titleSimilarity     float64
	timeDeltaMinutes    float64
	venueDistanceKM     *float64
	organizerSimilarity float64
	citySimilarity      float64
	categoryMatch       bool
	crossSource         bool
}

func computeFeatures(a, b model.EventRaw) features {
	return features{
		titleSimilarity:     TitleSimilarity(a.Title, b.Title),
		timeDeltaMinutes:    math.Abs(a.StartDatetime.Sub(b.StartDatetime).Minutes()),
		venueDistanceKM:     VenueDistanceKM(a.Lat, a.Lon, b.Lat, b.Lon, a.VenueName, b.VenueName),
		organizerSimilarity: OrganizerSimilarity(a.Organizer, b.Organizer),
		citySimilarity:      CitySimilarity(a.City, b.City),
		categoryMatch:       a.Category != "" && a.Category == b.Category,
		crossSource:         a.SourceID != b.SourceID,
	}
}

// scoreBase implements the Phase 4 base scorer, used for Phase-1
// candidates.
func scoreBase(a, b model.EventRaw, pass string) model.Match {
	f := computeFeatures(a, b)

	timeScore := math.Max(0, 1-f.timeDeltaMinutes/180)
	venueScore := venueScoreBase(f.venueDistanceKM)
	score := 0.40*f.titleSimilarity + 0.30*timeScore + 0.20*venueScore + 0.10*f.organizerSimilarity

	return buildMatch(a, b, score, f, pass)
}

func venueScoreBase(d *float64) float64 {
	switch {
	case d == nil:
		return 0
	case *d <= 1:
		return 1.0
	case *d <= 5:
		return 1 - (*d-1)/4
	default:
		return 0
	}
}

// scoreSameTime implements the Phase 4 same-time scorer, used for
// Phase-2 candidates.
func scoreSameTime(a, b model.EventRaw, pass string) model.Match {
	f := computeFeatures(a, b)

	var timeScore float64
	if f.timeDeltaMinutes <= 15 {
		timeScore = 1.0
	} else {
		timeScore = math.Max(0, 1-f.timeDeltaMinutes/60)
	}

	venueScore := venueScoreSameTime(f.venueDistanceKM)

	score := 0.40*f.titleSimilarity + 0.30*timeScore + 0.20*venueScore + 0.10*f.organizerSimilarity
	if f.citySimilarity > 0.8 {
		score += 0.05
	}
	if f.categoryMatch {
		score += 0.03
	}
	if f.crossSource {
		score += 0.02
	}
	score = math.Min(score, 1.0)

	return buildMatch(a, b, score, f, pass)
}

func venueScoreSameTime(d *float64) float64 {
	switch {
	case d == nil:
		return 0
	case *d <= 0.5:
		return 1.0
	case *d <= 2:
		return 0.8
	case *d <= 5:
		return 0.5
	default:
		return 0
	}
}

func buildMatch(a, b model.EventRaw, score float64, f features, pass string) model.Match {
	return model.Match{
		Score:     score,
		Status:    model.MatchStatusOpen,
		CreatedBy: "system",
		Reason: model.MatchReason{
			Fragments:           reasonFragments(a, b, f, score, pass),
			TitleSimilarity:     f.titleSimilarity,
			TimeDeltaMinutes:    f.timeDeltaMinutes,
			VenueDistanceKM:     f.venueDistanceKM,
			OrganizerSimilarity: f.organizerSimilarity,
			CrossSource:         f.crossSource,
			Pass:                pass,
		},
	}
}

func reasonFragments(a, b model.EventRaw, f features, score float64, pass string) []string {
	var frags []string

	if f.timeDeltaMinutes <= 15 {
		frags = append(frags, "same start time")
	}
	venueScore := venueScoreBase(f.venueDistanceKM)
	if pass == passSameTime {
		venueScore = venueScoreSameTime(f.venueDistanceKM)
	}
	if venueScore >= 0.8 {
		frags = append(frags, "same venue")
	}
	if f.titleSimilarity > 0.8 {
		frags = append(frags, "similar title")
	}
	if f.crossSource {
		frags = append(frags, "cross-source")
	}

	threshold := LikelyThreshold
	if pass == passSameTime {
		threshold = HighlyLikelyThreshold
	}
	if score >= threshold {
		if pass == passSameTime {
			frags = append(frags, "highly likely same event")
		} else {
			frags = append(frags, "likely")
		}
	}

	return frags
}
