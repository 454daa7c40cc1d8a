// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the template registry.
//
// # Description
//
//	Provides standard counters and histograms for registry operations,
//	environment adaptations, synchronization passes, and lock behavior.
//	All metrics use the "tmesh_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Registry Metrics ---

	// RegistryOpsTotal counts registry operations by operation, entity kind, and status.
	RegistryOpsTotal metric.Int64Counter

	// RegistryOpDuration records registry operation duration in seconds.
	RegistryOpDuration metric.Float64Histogram

	// --- Adaptation Metrics ---

	// AdaptationsTotal counts template adaptation runs by environment and status.
	AdaptationsTotal metric.Int64Counter

	// AdaptationRulesApplied counts individual rule applications by environment.
	AdaptationRulesApplied metric.Int64Counter

	// AdaptationDuration records adaptation run duration in seconds.
	AdaptationDuration metric.Float64Histogram

	// --- Sync Metrics ---

	// SyncPassesTotal counts synchronization passes by type and status.
	SyncPassesTotal metric.Int64Counter

	// SyncItemsTotal counts entities copied during synchronization.
	SyncItemsTotal metric.Int64Counter

	// SyncConflictsTotal counts conflicts resolved during synchronization.
	SyncConflictsTotal metric.Int64Counter

	// SyncPassDuration records synchronization pass duration in seconds.
	SyncPassDuration metric.Float64Histogram

	// --- Lock Metrics ---

	// LockWaitDuration records time spent waiting for database locks in seconds.
	LockWaitDuration metric.Float64Histogram

	// LockTimeoutsTotal counts lock acquisitions that timed out.
	LockTimeoutsTotal metric.Int64Counter

	// --- Reference Metrics ---

	// StaleReferencesTotal counts stale references found by ledger validation.
	StaleReferencesTotal metric.Int64Counter

	// --- Health Metrics ---

	// HealthScore reports the current registry health score (0.0 to 1.0).
	HealthScore metric.Float64ObservableGauge

	// --- Error Metrics ---

	// ErrorsTotal counts total errors by type and component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// # Description
//
//	Registers all pre-defined metrics with the provided meter.
//	Returns an error if any metric registration fails.
//
// # Inputs
//
//	meter - The OTel meter to use for metric registration.
//
// # Outputs
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// # Example
//
//	meter := otel.Meter("registry")
//	metrics, err := telemetry.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.RegistryOpsTotal.Add(ctx, 1, ...)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Registry Metrics ---
	m.RegistryOpsTotal, err = meter.Int64Counter(
		"tmesh_registry_operations_total",
		metric.WithDescription("Total registry operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create registry_operations_total: %w", err)
	}

	m.RegistryOpDuration, err = meter.Float64Histogram(
		"tmesh_registry_operation_duration_seconds",
		metric.WithDescription("Registry operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, fmt.Errorf("create registry_operation_duration: %w", err)
	}

	// --- Adaptation Metrics ---
	m.AdaptationsTotal, err = meter.Int64Counter(
		"tmesh_adaptations_total",
		metric.WithDescription("Total template adaptation runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create adaptations_total: %w", err)
	}

	m.AdaptationRulesApplied, err = meter.Int64Counter(
		"tmesh_adaptation_rules_applied_total",
		metric.WithDescription("Total adaptation rule applications"),
		metric.WithUnit("{rule}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create adaptation_rules_applied: %w", err)
	}

	m.AdaptationDuration, err = meter.Float64Histogram(
		"tmesh_adaptation_duration_seconds",
		metric.WithDescription("Adaptation run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create adaptation_duration: %w", err)
	}

	// --- Sync Metrics ---
	m.SyncPassesTotal, err = meter.Int64Counter(
		"tmesh_sync_passes_total",
		metric.WithDescription("Total synchronization passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_passes_total: %w", err)
	}

	m.SyncItemsTotal, err = meter.Int64Counter(
		"tmesh_sync_items_total",
		metric.WithDescription("Total entities copied during synchronization"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_items_total: %w", err)
	}

	m.SyncConflictsTotal, err = meter.Int64Counter(
		"tmesh_sync_conflicts_total",
		metric.WithDescription("Total conflicts resolved during synchronization"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_conflicts_total: %w", err)
	}

	m.SyncPassDuration, err = meter.Float64Histogram(
		"tmesh_sync_pass_duration_seconds",
		metric.WithDescription("Synchronization pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create sync_pass_duration: %w", err)
	}

	// --- Lock Metrics ---
	m.LockWaitDuration, err = meter.Float64Histogram(
		"tmesh_lock_wait_seconds",
		metric.WithDescription("Time spent waiting for database locks in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create lock_wait_seconds: %w", err)
	}

	m.LockTimeoutsTotal, err = meter.Int64Counter(
		"tmesh_lock_timeouts_total",
		metric.WithDescription("Total lock acquisitions that timed out"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create lock_timeouts_total: %w", err)
	}

	// --- Reference Metrics ---
	m.StaleReferencesTotal, err = meter.Int64Counter(
		"tmesh_stale_references_total",
		metric.WithDescription("Total stale references found by validation"),
		metric.WithUnit("{reference}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stale_references_total: %w", err)
	}

	// Note: HealthScore requires a callback registration, handled by
	// RegisterHealthScore.

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"tmesh_errors_total",
		metric.WithDescription("Total errors by type and component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterHealthScore registers a callback for the health score gauge.
//
// # Description
//
//	Sets up an observable gauge that reports the current registry health
//	score. The callback is invoked each time metrics are scraped.
//
// # Inputs
//
//	meter - The OTel meter to use for registration.
//	scoreFunc - A function that returns the current health score (0.0 to 1.0).
//
// # Outputs
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterHealthScore(meter metric.Meter, scoreFunc func() float64) (metric.Registration, error) {
	var err error
	m.HealthScore, err = meter.Float64ObservableGauge(
		"tmesh_health_score",
		metric.WithDescription("Registry health score (0.0 to 1.0)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create health_score: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(m.HealthScore, scoreFunc())
		return nil
	}, m.HealthScore)
}
