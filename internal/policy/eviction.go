// Package policy implements victim selection for capacity eviction and the
// lazy expiry rules. Expiry always wins: an expired entry is selected before
// any live one regardless of score. Live entries are ranked by a
// recency-weighted score with access frequency as tie-breaking pressure,
// approximating LRU-with-frequency; final ties go to the oldest insertion.
package policy

import (
	"math"
	"sort"
	"time"

	"github.com/wudi/tiercache/internal/codec"
)

// Victim identifies an entry chosen for removal.
type Victim struct {
	Namespace string
	Key       string
	SizeBytes int64
	Expired   bool
}

// frequencyWeight controls how strongly access count offsets recency. Kept
// small so a frequently-read but long-idle entry still ages out.
const frequencyWeight = 30 * time.Second

// score returns the entry's retention score; lower evicts first.
func score(e *codec.Entry, now time.Time) float64 {
	idle := now.Sub(e.LastAccessedAt).Seconds()
	bonus := math.Log1p(float64(e.AccessCount)) * frequencyWeight.Seconds()
	return bonus - idle
}

// SelectVictims picks entries to remove from a tier so that at least
// needBytes are freed. Expired entries are taken first (the write-triggered
// sweep); if they free enough, no live entry is touched. Returns victims in
// removal order. If even removing everything can't free needBytes the full
// set is returned; the caller's retry will then surface the failure.
func SelectVictims(entries []*codec.Entry, needBytes int64, now time.Time) []Victim {
	if needBytes <= 0 || len(entries) == 0 {
		return nil
	}

	var expired, live []*codec.Entry
	for _, e := range entries {
		if e.Expired(now) {
			expired = append(expired, e)
		} else {
			live = append(live, e)
		}
	}

	var victims []Victim
	var freed int64

	for _, e := range expired {
		victims = append(victims, Victim{Namespace: e.Namespace, Key: e.Key, SizeBytes: e.SizeBytes, Expired: true})
		freed += e.SizeBytes
	}
	if freed >= needBytes {
		return victims
	}

	sort.SliceStable(live, func(i, j int) bool {
		si, sj := score(live[i], now), score(live[j], now)
		if si != sj {
			return si < sj
		}
		// Tie: oldest insertion first.
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})

	for _, e := range live {
		if freed >= needBytes {
			break
		}
		victims = append(victims, Victim{Namespace: e.Namespace, Key: e.Key, SizeBytes: e.SizeBytes})
		freed += e.SizeBytes
	}
	return victims
}

// SweepExpired returns only the expired subset, for callers that want to
// reclaim space without evicting live entries.
func SweepExpired(entries []*codec.Entry, now time.Time) []Victim {
	var victims []Victim
	for _, e := range entries {
		if e.Expired(now) {
			victims = append(victims, Victim{Namespace: e.Namespace, Key: e.Key, SizeBytes: e.SizeBytes, Expired: true})
		}
	}
	return victims
}
