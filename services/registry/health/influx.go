// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/TemplateMesh/services/registry/synclog"
)

// ErrNotTerminal indicates an attempt to record a sync pass that has
// not reached a terminal status.
var ErrNotTerminal = errors.New("sync entry is not terminal")

// RecorderConfig configures the InfluxDB sink.
type RecorderConfig struct {
	// URL is the InfluxDB server address.
	URL string

	// Token authenticates writes.
	Token string

	// Org is the InfluxDB organization.
	Org string

	// Bucket receives the points. Defaults to "template_mesh".
	Bucket string
}

// Recorder writes sync pass outcomes and health reports to InfluxDB.
//
// The sink is optional: nothing in the registry depends on it, and a
// nil Recorder is never constructed; callers that do not configure a
// URL simply do not create one.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewRecorder creates an InfluxDB recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.URL == "" {
		return nil, errors.New("health recorder: url is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "template_mesh"
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// RecordPass writes one terminal sync entry as a point.
func (r *Recorder) RecordPass(ctx context.Context, e synclog.Entry) error {
	if !e.Status.Terminal() {
		return fmt.Errorf("sync %s is %s: %w", e.SyncID, e.Status, ErrNotTerminal)
	}

	p := influxdb2.NewPointWithMeasurement("sync_passes").
		AddTag("source", e.SourceDatabase).
		AddTag("sync_type", string(e.SyncType)).
		AddTag("status", string(e.Status)).
		AddField("items_synchronized", int64(e.ItemsSynchronized)).
		AddField("conflicts_resolved", int64(e.ConflictsResolved)).
		AddField("duration_seconds", e.CompletedAt.Sub(e.StartedAt).Seconds()).
		SetTime(e.CompletedAt)

	if err := r.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("record sync pass %s: %w", e.SyncID, err)
	}
	return nil
}

// RecordScore writes one health report as a point.
func (r *Recorder) RecordScore(ctx context.Context, rep Report) error {
	p := influxdb2.NewPointWithMeasurement("registry_health").
		AddTag("grade", rep.Grade()).
		AddField("score", rep.Score).
		AddField("store_score", rep.StoreScore).
		AddField("lock_score", rep.LockScore).
		AddField("sync_score", rep.SyncScore).
		AddField("recent_passes", int64(rep.RecentPasses)).
		AddField("recent_failures", int64(rep.RecentFailures)).
		SetTime(rep.CollectedAt)

	if err := r.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("record health report: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *Recorder) Close() {
	r.client.Close()
}
