// Package matcher implements duplicate-event detection: blocking,
// same-time clustering, weighted feature scoring, and idempotent
// "replace open set" persistence (spec §4.9). It is grounded on
// bramrahmadi-learnbot's resume-parser/internal/scorer package, which
// computes a component-weighted acceptance score the same way this
// package computes a component-weighted duplicate-likelihood score.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/openvenue/aggregator/internal/model"
)

const (
	// ReviewThreshold is the minimum score a pair must clear to be
	// emitted at all (spec §4.9 Phase 5).
	ReviewThreshold = 0.60
	// LikelyThreshold labels a pair "likely" in its reason fragments.
	LikelyThreshold = 0.78
	// HighlyLikelyThreshold labels a same-time pair "highly likely same
	// event".
	HighlyLikelyThreshold = 0.85

	defaultWindowDays = 7
)

// Store is the narrow persistence surface the Matcher needs, satisfied
// by internal/store.Store.
type Store interface {
	ListEventsForMatching(ctx context.Context, filter model.MatchFilter) ([]model.EventRaw, error)
	ReplaceOpenMatches(ctx context.Context, pairs []model.Match) error
}

// Matcher computes and persists duplicate-event matches for a
// candidate event set.
type Matcher struct {
	store      Store
	windowDays int
}

// New creates a Matcher backed by store. windowDays bounds how far
// apart in calendar days two events may be while still being
// considered (spec §4.9 Phase 1's rejection rule); 0 selects the
// spec's default of 7.
func New(store Store, windowDays int) *Matcher {
	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}
	return &Matcher{store: store, windowDays: windowDays}
}

// Run loads the candidate set described by filter, computes match
// pairs across all phases, deduplicates, and replaces the open match
// set in a single persistence call.
func (m *Matcher) Run(ctx context.Context, filter model.MatchFilter) (int, error) {
	events, err := m.store.ListEventsForMatching(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("loading candidate events: %w", err)
	}

	pairs := Compute(events, m.windowDays)

	if err := m.store.ReplaceOpenMatches(ctx, pairs); err != nil {
		return 0, fmt.Errorf("replacing open matches: %w", err)
	}

	return len(pairs), nil
}

// Compute runs all phases over events and returns the deduplicated,
// threshold-passing set of Match rows, sorted by RawIDA then RawIDB. It is
// pure and side-effect-free, independent of Run's persistence.
func Compute(events []model.EventRaw, windowDays int) []model.Match {
	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}

	byPair := make(map[pairKey]model.Match)

	for _, c := range blockingCandidates(events, windowDays) {
		considerCandidate(byPair, c, scoreBase)
	}
	for _, c := range sameTimeCandidates(events) {
		considerCandidate(byPair, c, scoreSameTime)
	}

	out := make([]model.Match, 0, len(byPair))
	for _, mt := range byPair {
		if mt.Score >= ReviewThreshold {
			out = append(out, mt)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RawIDA != out[j].RawIDA {
			return out[i].RawIDA.String() < out[j].RawIDA.String()
		}
		return out[i].RawIDB.String() < out[j].RawIDB.String()
	})

	return out
}

type pairKey struct {
	a, b uuid.UUID
}

type candidate struct {
	a, b model.EventRaw
	pass string
}

// considerCandidate scores c with scorer and keeps the higher-scoring
// match when the same unordered pair is produced by more than one
// phase (spec §4.9 Phase 6).
func considerCandidate(byPair map[pairKey]model.Match, c candidate, scorer func(a, b model.EventRaw, pass string) model.Match) {
	loID, hiID := sortedPair(c.a.ID, c.b.ID)
	key := pairKey{a: loID, b: hiID}

	mt := scorer(c.a, c.b, c.pass)
	mt.RawIDA, mt.RawIDB = loID, hiID

	if existing, ok := byPair[key]; !ok || mt.Score > existing.Score {
		byPair[key] = mt
	}
}

func sortedPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() < b.String() {
		return a, b
	}
	return b, a
}
