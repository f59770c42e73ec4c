package ratelimit

import (
	"context"
	"time"

	"github.com/oxford22/guthwine/pkg/contracts"
	guerr "github.com/oxford22/guthwine/pkg/errors"
)

// AnomalyConfig holds the anomaly-detector tunables named in §6.
type AnomalyConfig struct {
	WindowMinutes      int
	VelocityThreshold  float64 // transactions/minute
	SpendRateThreshold float64 // amount/minute
	AutoFreeze         bool
}

// DefaultAnomalyConfig matches the thresholds named in §4.5.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{WindowMinutes: 5, VelocityThreshold: 5, SpendRateThreshold: 500, AutoFreeze: true}
}

// AnomalyDetector computes velocity and spend-rate over a trailing window.
type AnomalyDetector struct {
	storage contracts.Storage
	clock   contracts.Clock
	cfg     AnomalyConfig
}

// NewAnomalyDetector builds an AnomalyDetector.
func NewAnomalyDetector(storage contracts.Storage, clock contracts.Clock, cfg AnomalyConfig) *AnomalyDetector {
	return &AnomalyDetector{storage: storage, clock: clock, cfg: cfg}
}

// Scan computes velocity (tx/min) and spend-rate (amount/min) over the
// trailing WindowMinutes and flags anomalous behavior against the
// configured thresholds.
func (d *AnomalyDetector) Scan(ctx context.Context, agentDID string) (contracts.AnomalySignal, error) {
	since := d.clock.Now().Add(-time.Duration(d.cfg.WindowMinutes) * time.Minute)
	rows, err := d.storage.TransactionHistorySince(ctx, agentDID, since)
	if err != nil {
		return contracts.AnomalySignal{}, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "anomaly scan: history", err)
	}

	minutes := float64(d.cfg.WindowMinutes)
	if minutes <= 0 {
		minutes = 1
	}

	var totalAmount float64
	for _, r := range rows {
		totalAmount += r.Amount
	}
	velocity := float64(len(rows)) / minutes
	spendRate := totalAmount / minutes

	signal := contracts.AnomalySignal{Velocity: velocity, SpendRate: spendRate}
	if velocity > d.cfg.VelocityThreshold {
		signal.Anomalous = true
		signal.Reason = "velocity exceeds threshold"
	} else if spendRate > d.cfg.SpendRateThreshold {
		signal.Anomalous = true
		signal.Reason = "spend rate exceeds threshold"
	}
	return signal, nil
}
