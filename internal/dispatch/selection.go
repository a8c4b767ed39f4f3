package dispatch

import (
	"math/rand"
	"sort"
	"time"

	"github.com/basket/schedulercore/internal/session"
)

// Strategy names a worker selection strategy.
type Strategy string

const (
	StrategyDefault       Strategy = "default"
	StrategyLeastInflight Strategy = "least_inflight"
	StrategyLeastLatency  Strategy = "least_latency"
	StrategyRandom        Strategy = "random"
)

// candidate pairs a healthy, package-supporting snapshot with its
// precomputed health rank (0 = heartbeating, 1 = registered-but-not-yet).
type candidate struct {
	snap      session.Snapshot
	healthAge time.Duration
	healthRank int
}

// eligible filters snapshots down to those healthy (per maxHeartbeatAge),
// supporting packageName, and not circuit-broken.
func eligible(snaps []session.Snapshot, packageName string, now time.Time, maxHeartbeatAge time.Duration, breakers *BreakerRegistry) []candidate {
	out := make([]candidate, 0, len(snaps))
	for _, s := range snaps {
		if !s.Healthy(now, maxHeartbeatAge) {
			continue
		}
		if packageName != "" && !s.SupportsPackage(packageName) {
			continue
		}
		if breakers != nil && breakers.Tripped(s.WorkerName, now) {
			continue
		}
		rank := 0
		if s.State != "HEARTBEATING" {
			rank = 1
		}
		age := time.Duration(0)
		if !s.LastHeartbeat.IsZero() {
			age = now.Sub(s.LastHeartbeat)
		}
		out = append(out, candidate{snap: s, healthAge: age, healthRank: rank})
	}
	return out
}

// Select applies the named strategy to the eligible candidate set and
// returns the chosen worker's snapshot, or false if no candidate qualifies.
// preferredWorkerName, if set and present among healthy candidates, always
// wins regardless of strategy (step 3 of the dispatcher loop).
func Select(strategy Strategy, snaps []session.Snapshot, packageName, preferredWorkerName string, now time.Time, maxHeartbeatAge time.Duration, breakers *BreakerRegistry) (session.Snapshot, bool) {
	cands := eligible(snaps, packageName, now, maxHeartbeatAge, breakers)
	if len(cands) == 0 {
		return session.Snapshot{}, false
	}

	if preferredWorkerName != "" {
		for _, c := range cands {
			if c.snap.WorkerName == preferredWorkerName {
				return c.snap, true
			}
		}
	}

	switch strategy {
	case StrategyLeastInflight:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].snap.InflightCount < cands[j].snap.InflightCount
		})
	case StrategyLeastLatency:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].snap.LatencyMsP50 < cands[j].snap.LatencyMsP50
		})
	case StrategyRandom:
		return cands[rand.Intn(len(cands))].snap, true
	default: // StrategyDefault
		sort.SliceStable(cands, func(i, j int) bool {
			a, b := cands[i], cands[j]
			if a.healthRank != b.healthRank {
				return a.healthRank < b.healthRank
			}
			if a.snap.InflightCount != b.snap.InflightCount {
				return a.snap.InflightCount < b.snap.InflightCount
			}
			if a.snap.LatencyMsP50 != b.snap.LatencyMsP50 {
				return a.snap.LatencyMsP50 < b.snap.LatencyMsP50
			}
			return a.healthAge < b.healthAge
		})
	}
	return cands[0].snap, true
}
