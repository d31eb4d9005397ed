package waitpredictor

import (
	"testing"
	"time"

	"github.com/queuemesh/hybridqueue/config"
	"github.com/queuemesh/hybridqueue/domain"
)

func samplesOfMean(mean float64, n int, observedAt time.Time) []domain.ServiceTimeSample {
	out := make([]domain.ServiceTimeSample, n)
	for i := range out {
		out[i] = domain.ServiceTimeSample{DurationMinutes: mean, ObservedAt: observedAt}
	}
	return out
}

func TestPredictWaitEstimateAdapts(t *testing.T) {
	p := New(config.Defaults(), 64)
	now := time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC)

	est := p.Predict(Params{
		Position:          3,
		Now:               now,
		ActiveSpecialists: 1,
		AllSamples:        samplesOfMean(20, 10, now.Add(-time.Hour)),
		RecentSamples:     samplesOfMean(10, 5, now.Add(-30*time.Minute)),
	})

	if est.Minutes < 31 || est.Minutes > 37 {
		t.Fatalf("Minutes = %d, want ~34 (±10%%)", est.Minutes)
	}
}

func TestPredictPositionZero(t *testing.T) {
	p := New(config.Defaults(), 64)
	est := p.Predict(Params{Position: 0, Now: time.Now().UTC()})
	if est.Minutes != 0 {
		t.Fatalf("Minutes = %d, want 0", est.Minutes)
	}
}

func TestPredictServingInProgress(t *testing.T) {
	p := New(config.Defaults(), 64)
	est := p.Predict(Params{
		Position:               1,
		Now:                    time.Now().UTC(),
		ServingInProgress:      true,
		ServingElapsedMinutes:  12,
		ServingExpectedMinutes: 15,
	})
	if est.Minutes != 3 {
		t.Fatalf("Minutes = %d, want 3", est.Minutes)
	}
}

func TestPredictServingInProgressFloorsAtOne(t *testing.T) {
	p := New(config.Defaults(), 64)
	est := p.Predict(Params{
		Position:               1,
		Now:                    time.Now().UTC(),
		ServingInProgress:      true,
		ServingElapsedMinutes:  20,
		ServingExpectedMinutes: 15,
	})
	if est.Minutes != 1 {
		t.Fatalf("Minutes = %d, want 1 (floored)", est.Minutes)
	}
}

func TestPredictDefaultsToFifteenWithFewSamples(t *testing.T) {
	p := New(config.Defaults(), 64)
	now := time.Now().UTC()
	est := p.Predict(Params{
		Position:          2,
		Now:               now,
		ActiveSpecialists: 1,
		AllSamples:        samplesOfMean(40, 2, now), // below MinSamplesForBaseMean
	})
	// raw = (2-1) * 15 * 1*1*1*1 = 15
	if est.Minutes != 15 {
		t.Fatalf("Minutes = %d, want 15", est.Minutes)
	}
}

func TestPredictClampsToUpperBound(t *testing.T) {
	p := New(config.Defaults(), 64)
	now := time.Now().UTC()
	est := p.Predict(Params{
		Position:          20,
		Now:               now,
		ActiveSpecialists: 1,
		AllSamples:        samplesOfMean(170, 10, now),
	})
	if est.Minutes != 180 {
		t.Fatalf("Minutes = %d, want clamped to 180", est.Minutes)
	}
}

func TestPredictParallelismDiminishesWait(t *testing.T) {
	p := New(config.Defaults(), 64)
	now := time.Now().UTC()

	one := p.Predict(Params{Position: 4, Now: now, ActiveSpecialists: 1, AllSamples: samplesOfMean(20, 10, now)})
	three := p.Predict(Params{Position: 4, Now: now, ActiveSpecialists: 3, AllSamples: samplesOfMean(20, 10, now)})

	if three.Minutes >= one.Minutes {
		t.Fatalf("expected more specialists to reduce wait: 1=%d 3=%d", one.Minutes, three.Minutes)
	}
}

func TestConfidenceRisesWithSampleCount(t *testing.T) {
	now := time.Now().UTC()

	few := New(config.Defaults(), 64).Predict(Params{Position: 1, Now: now, ActiveSpecialists: 1, AllSamples: samplesOfMean(20, 5, now)})
	many := New(config.Defaults(), 64).Predict(Params{Position: 1, Now: now, ActiveSpecialists: 1, AllSamples: samplesOfMean(20, 60, now)})

	if many.Confidence <= few.Confidence {
		t.Fatalf("expected more samples to raise confidence: few=%v many=%v", few.Confidence, many.Confidence)
	}
	if many.Confidence > config.Defaults().ConfidenceMaxCap {
		t.Fatalf("confidence %v exceeds cap", many.Confidence)
	}
}
