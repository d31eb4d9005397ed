// Package waitpredictor estimates how long a ticket at a given queue
// position will wait, from historical service-time samples plus the
// current staffing level. It is a pure function of its inputs: callers
// pass the current time in, nothing here reads the wall clock.
package waitpredictor

import (
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/queuemesh/hybridqueue/config"
	"github.com/queuemesh/hybridqueue/domain"
)

// Estimate is the result of a prediction.
type Estimate struct {
	Minutes    int
	Confidence float64
}

// aggregate is shared across the hour/weekday/service/specialist factor
// computations: a filtered sample set reduced to count/mean/stddev.
type aggregate struct {
	count  int
	mean   float64
	stddev float64
}

func summarize(samples []domain.ServiceTimeSample) aggregate {
	if len(samples) == 0 {
		return aggregate{}
	}
	var sum float64
	for _, s := range samples {
		sum += s.DurationMinutes
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s.DurationMinutes - mean
		variance += d * d
	}
	variance /= float64(len(samples))

	return aggregate{count: len(samples), mean: mean, stddev: math.Sqrt(variance)}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Predictor holds a small LRU cache of recent per-shop aggregate results so
// a burst of position-change recalculations during one recompute pass does
// not re-scan the same sample set repeatedly.
type Predictor struct {
	cfg   config.Data
	cache *lru.Cache[string, aggregate]
}

// New builds a Predictor bounded to cacheSize distinct (shop, dimension)
// aggregate keys.
func New(cfg config.Data, cacheSize int) *Predictor {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, _ := lru.New[string, aggregate](cacheSize)
	return &Predictor{cfg: cfg, cache: c}
}

func (p *Predictor) aggregateCached(key string, samples []domain.ServiceTimeSample) aggregate {
	if key != "" {
		if v, ok := p.cache.Get(key); ok {
			return v
		}
	}
	agg := summarize(samples)
	if key != "" {
		p.cache.Add(key, agg)
	}
	return agg
}

// Params is everything Predict needs to compute one estimate. AllSamples is
// the last-30-day window already filtered to 0 < duration < 180; the
// remaining slices are pre-filtered subsets the caller derives from the
// same window (by hour, weekday, service, specialist, and the last hour).
type Params struct {
	Position          int
	Now               time.Time
	ActiveSpecialists int

	AllSamples      []domain.ServiceTimeSample
	HourSamples     []domain.ServiceTimeSample
	WeekdaySamples  []domain.ServiceTimeSample
	ServiceSamples  []domain.ServiceTimeSample // nil if no service_id given
	SpecialistSamples []domain.ServiceTimeSample // nil if no specialist_id given
	RecentSamples   []domain.ServiceTimeSample // completions in the last hour

	// CacheKeyPrefix, when non-empty, scopes the LRU cache: calls sharing a
	// prefix reuse each other's aggregates, so they must pass the same
	// sample sets. When empty, nothing is cached.
	CacheKeyPrefix string

	// ServingElapsedMinutes/ServingExpectedMinutes apply only when Position
	// == 1 and a ticket is currently being served ahead of this one.
	ServingInProgress        bool
	ServingElapsedMinutes    float64
	ServingExpectedMinutes   float64
}

// Predict implements the spec's position-0 / currently-serving edge cases
// and the ten-step multi-factor algorithm otherwise.
func (p *Predictor) Predict(params Params) Estimate {
	if params.Position == 0 {
		return Estimate{Minutes: 0, Confidence: p.cfg.ConfidenceMaxCap}
	}

	if params.Position == 1 && params.ServingInProgress {
		remaining := params.ServingExpectedMinutes - params.ServingElapsedMinutes
		if remaining < 1 {
			remaining = 1
		}
		return Estimate{Minutes: int(math.Round(remaining)), Confidence: p.cfg.ConfidenceMaxCap}
	}

	key := func(dim string) string {
		if params.CacheKeyPrefix == "" {
			return "" // no prefix: aggregates are computed fresh, never cached
		}
		return params.CacheKeyPrefix + "|" + dim
	}

	all := p.aggregateCached(key("all"), params.AllSamples)
	baseMean := p.cfg.DefaultBaseMeanMinutes
	if all.count >= p.cfg.MinSamplesForBaseMean {
		baseMean = all.mean
	}

	hourFactor := p.factor(key("hour"), params.HourSamples, baseMean,
		p.cfg.HourFactorBoundLow, p.cfg.HourFactorBoundHigh)
	weekdayFactor := p.factor(key("weekday"), params.WeekdaySamples, baseMean,
		p.cfg.WeekdayFactorBoundLow, p.cfg.WeekdayFactorBoundHigh)
	serviceFactor := p.factor(key("service"), params.ServiceSamples, baseMean,
		p.cfg.ServiceFactorBoundLow, p.cfg.ServiceFactorBoundHigh)
	specialistFactor := p.factor(key("specialist"), params.SpecialistSamples, baseMean,
		p.cfg.SpecialistFactorBoundLow, p.cfg.SpecialistFactorBoundHigh)

	raw := float64(params.Position-1) * baseMean * hourFactor * weekdayFactor * serviceFactor * specialistFactor

	recent := p.aggregateCached("", params.RecentSamples) // never cached: always fresh
	haveSpeed := recent.count >= p.cfg.MinSamplesForSpeedFactor && recent.mean > 0
	var speedFactor float64
	if haveSpeed {
		speedFactor = clamp(baseMean/recent.mean, p.cfg.SpeedFactorBoundLow, p.cfg.SpeedFactorBoundHigh)
		raw = 0.7*raw + 0.3*raw/speedFactor
	}

	if params.ActiveSpecialists > 1 {
		raw = raw / (1 + p.cfg.ParallelismDampening*float64(params.ActiveSpecialists-1))
	}

	minutes := int(clamp(math.Round(raw), float64(p.cfg.WaitEstimateMinMinutes), float64(p.cfg.WaitEstimateMaxMinutes)))

	confidence := p.confidence(all, params.Position, baseMean, haveSpeed)

	return Estimate{Minutes: minutes, Confidence: confidence}
}

func (p *Predictor) factor(key string, samples []domain.ServiceTimeSample, baseMean, lo, hi float64) float64 {
	if len(samples) < p.cfg.MinSamplesForFactor || baseMean <= 0 {
		return 1.0
	}
	agg := p.aggregateCached(key, samples)
	if agg.count < p.cfg.MinSamplesForFactor {
		return 1.0
	}
	return clamp(agg.mean/baseMean, lo, hi)
}

func (p *Predictor) confidence(all aggregate, position int, baseMean float64, haveSpeed bool) float64 {
	sampleTerm := 0.0
	if all.count > 0 {
		sampleTerm = math.Log(float64(all.count)+1) / math.Log(float64(p.cfg.ConfidenceSampleRampAt)+1)
		if sampleTerm > 1 {
			sampleTerm = 1
		}
	}

	positionPenalty := clamp(float64(position)*p.cfg.ConfidencePositionPenaltyPerPosition, 0, p.cfg.ConfidencePositionPenaltyCap)

	stddevPenalty := 0.0
	if baseMean > 0 && all.count > 0 {
		ratio := all.stddev / baseMean
		stddevPenalty = clamp(ratio*0.10, 0, p.cfg.ConfidenceStddevPenaltyCap)
	}

	c := sampleTerm - positionPenalty - stddevPenalty
	if haveSpeed {
		c += p.cfg.ConfidenceSpeedBonus
	}
	return clamp(c, 0, p.cfg.ConfidenceMaxCap)
}

// FilterValidSamples drops samples outside the valid 0 < duration < 180
// window, mirroring the storage-time filter applied at insertion.
func FilterValidSamples(samples []domain.ServiceTimeSample) []domain.ServiceTimeSample {
	out := samples[:0:0]
	for _, s := range samples {
		if s.DurationMinutes > 0 && s.DurationMinutes < 180 {
			out = append(out, s)
		}
	}
	return out
}

// SortByObservedAt orders samples oldest-first, useful before slicing a
// "last hour" window out of a larger set.
func SortByObservedAt(samples []domain.ServiceTimeSample) {
	sort.Slice(samples, func(i, j int) bool { return samples[i].ObservedAt.Before(samples[j].ObservedAt) })
}
