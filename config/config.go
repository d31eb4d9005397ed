// Package config manages the queue core's global configuration: the
// thresholds and weights spec §9 calls "a plain immutable configuration
// record injected at construction". Defaults are embedded as YAML; the
// live config is a single DB row read/written via the ConfigStore
// interface, mirroring the teacher's config package.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Data holds the serialisable global configuration.
type Data struct {
	// HybridScheduler timing (spec §4.2, §9 Open Question 3).
	NextToServeGraceMinutes    int `json:"next_to_serve_grace_minutes" yaml:"next_to_serve_grace_minutes"`
	NextToServeLookaheadMinutes int `json:"next_to_serve_lookahead_minutes" yaml:"next_to_serve_lookahead_minutes"`
	ArrivalEarlyThresholdMinutes int `json:"arrival_early_threshold_minutes" yaml:"arrival_early_threshold_minutes"`
	ArrivalLateThresholdMinutes  int `json:"arrival_late_threshold_minutes" yaml:"arrival_late_threshold_minutes"`
	UpcomingAppointmentWindowHours int `json:"upcoming_appointment_window_hours" yaml:"upcoming_appointment_window_hours"`

	// Appointment-priority insertion (spec §4.1, §9 Open Question 1).
	PriorityInsertionMinPosition int `json:"priority_insertion_min_position" yaml:"priority_insertion_min_position"`

	// WaitPredictor bounds (spec §4.3).
	DefaultBaseMeanMinutes    float64 `json:"default_base_mean_minutes" yaml:"default_base_mean_minutes"`
	MinSamplesForBaseMean     int     `json:"min_samples_for_base_mean" yaml:"min_samples_for_base_mean"`
	MinSamplesForFactor       int     `json:"min_samples_for_factor" yaml:"min_samples_for_factor"`
	MinSamplesForSpeedFactor  int     `json:"min_samples_for_speed_factor" yaml:"min_samples_for_speed_factor"`
	HourFactorBoundLow        float64 `json:"hour_factor_bound_low" yaml:"hour_factor_bound_low"`
	HourFactorBoundHigh       float64 `json:"hour_factor_bound_high" yaml:"hour_factor_bound_high"`
	WeekdayFactorBoundLow     float64 `json:"weekday_factor_bound_low" yaml:"weekday_factor_bound_low"`
	WeekdayFactorBoundHigh    float64 `json:"weekday_factor_bound_high" yaml:"weekday_factor_bound_high"`
	ServiceFactorBoundLow     float64 `json:"service_factor_bound_low" yaml:"service_factor_bound_low"`
	ServiceFactorBoundHigh    float64 `json:"service_factor_bound_high" yaml:"service_factor_bound_high"`
	SpecialistFactorBoundLow  float64 `json:"specialist_factor_bound_low" yaml:"specialist_factor_bound_low"`
	SpecialistFactorBoundHigh float64 `json:"specialist_factor_bound_high" yaml:"specialist_factor_bound_high"`
	SpeedFactorBoundLow       float64 `json:"speed_factor_bound_low" yaml:"speed_factor_bound_low"`
	SpeedFactorBoundHigh      float64 `json:"speed_factor_bound_high" yaml:"speed_factor_bound_high"`
	ParallelismDampening      float64 `json:"parallelism_dampening" yaml:"parallelism_dampening"`
	WaitEstimateMinMinutes    int     `json:"wait_estimate_min_minutes" yaml:"wait_estimate_min_minutes"`
	WaitEstimateMaxMinutes    int     `json:"wait_estimate_max_minutes" yaml:"wait_estimate_max_minutes"`
	ConfidenceSampleRampAt    int     `json:"confidence_sample_ramp_at" yaml:"confidence_sample_ramp_at"`
	ConfidenceMaxCap          float64 `json:"confidence_max_cap" yaml:"confidence_max_cap"`
	ConfidencePositionPenaltyPerPosition float64 `json:"confidence_position_penalty_per_position" yaml:"confidence_position_penalty_per_position"`
	ConfidencePositionPenaltyCap float64 `json:"confidence_position_penalty_cap" yaml:"confidence_position_penalty_cap"`
	ConfidenceStddevPenaltyCap   float64 `json:"confidence_stddev_penalty_cap" yaml:"confidence_stddev_penalty_cap"`
	ConfidenceSpeedBonus         float64 `json:"confidence_speed_bonus" yaml:"confidence_speed_bonus"`

	// HistoryLookbackDays bounds the ServiceTimeStore query window (spec §4.3).
	HistoryLookbackDays int `json:"history_lookback_days" yaml:"history_lookback_days"`
	ServiceSequenceSampleCount int `json:"service_sequence_sample_count" yaml:"service_sequence_sample_count"`

	// Staffing recommendation thresholds (spec §4.2).
	OverloadWaitingPerSpecialist   float64 `json:"overload_waiting_per_specialist" yaml:"overload_waiting_per_specialist"`
	OverloadAppointmentsPerSpecialist float64 `json:"overload_appointments_per_specialist" yaml:"overload_appointments_per_specialist"`
	HighWaitMinutesThreshold       float64 `json:"high_wait_minutes_threshold" yaml:"high_wait_minutes_threshold"`
	OverstaffedMaxUpcoming         int     `json:"overstaffed_max_upcoming" yaml:"overstaffed_max_upcoming"`
	ServiceImbalanceMinCount       int     `json:"service_imbalance_min_count" yaml:"service_imbalance_min_count"`

	// Concurrency / resource model (spec §5).
	StaleCalledTimeoutMinutes int `json:"stale_called_timeout_minutes" yaml:"stale_called_timeout_minutes"`
	RecomputeEstimatesIntervalSeconds int `json:"recompute_estimates_interval_seconds" yaml:"recompute_estimates_interval_seconds"`
	ReconcileIntervalSeconds  int `json:"reconcile_interval_seconds" yaml:"reconcile_interval_seconds"`
	MailboxDepth              int `json:"mailbox_depth" yaml:"mailbox_depth"`

	// SubscriptionHub / WSGateway (spec §4.4, §4.5).
	SubscriberQueueDepth  int `json:"subscriber_queue_depth" yaml:"subscriber_queue_depth"`
	PingIntervalSeconds   int `json:"ping_interval_seconds" yaml:"ping_interval_seconds"`
	PongTimeoutSeconds    int `json:"pong_timeout_seconds" yaml:"pong_timeout_seconds"`
	CompressionMinBytes   int `json:"compression_min_bytes" yaml:"compression_min_bytes"`

	// Cache (optional, spec §9 supplement from original_source's 15-min TTL).
	SnapshotCacheTTLSeconds int `json:"snapshot_cache_ttl_seconds" yaml:"snapshot_cache_ttl_seconds"`
}

func (d Data) NextToServeGrace() time.Duration {
	return time.Duration(d.NextToServeGraceMinutes) * time.Minute
}

func (d Data) NextToServeLookahead() time.Duration {
	return time.Duration(d.NextToServeLookaheadMinutes) * time.Minute
}

func (d Data) StaleCalledTimeout() time.Duration {
	return time.Duration(d.StaleCalledTimeoutMinutes) * time.Minute
}

func (d Data) PingInterval() time.Duration {
	return time.Duration(d.PingIntervalSeconds) * time.Second
}

func (d Data) PongTimeout() time.Duration {
	return time.Duration(d.PongTimeoutSeconds) * time.Second
}

func (d Data) SnapshotCacheTTL() time.Duration {
	return time.Duration(d.SnapshotCacheTTLSeconds) * time.Second
}

// ConfigStore is the persistence interface for the live config row.
// Implemented by store/postgres.DB and store/sqlite.DB.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Global is a thread-safe, DB-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	st   ConfigStore
}

// Load initialises Global from the DB. If the DB row is empty/missing, the
// embedded default YAML is seeded.
func Load(ctx context.Context, st ConfigStore) (*Global, error) {
	g := &Global{st: st, data: Defaults()}

	raw, err := st.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		if err := g.persistDefaults(ctx); err != nil {
			return nil, err
		}
		return g, nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Global) persistDefaults(ctx context.Context) error {
	b, err := json.Marshal(g.data)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return g.st.SetConfig(ctx, m)
}

// Defaults returns the built-in configuration by parsing the embedded YAML.
func Defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it to the DB.
func (g *Global) Set(ctx context.Context, d Data) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if err := g.st.SetConfig(ctx, m); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}
