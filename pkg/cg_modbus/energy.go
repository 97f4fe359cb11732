package cg_modbus

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

const (
	MinUpdateInterval  = 800 * time.Millisecond
	MaxUpdateInterval  = 10 * time.Second
	CheckpointInterval = 300 * time.Second

	SETTING_ENERGY_FORWARD = "EnergyForward"
	SETTING_ENERGY_REVERSE = "EnergyReverse"
)

// SettingsStore is the durable key/value store the energy totals survive in.
type SettingsStore interface {
	Get(key string) (float64, bool)
	Set(key string, value float64) error
}

// EnergyAccumulator integrates total power into forward and reverse energy for
// meters that only report power. Totals are kWh and never decrease except
// through Set.
type EnergyAccumulator struct {
	store          SettingsStore
	deviceID       string
	forward        float64
	reverse        float64
	lastUpdate     time.Time
	lastCheckpoint time.Time
	logger         *zap.Logger
}

type TickResult struct {
	Accepted     bool
	Stale        bool
	Checkpointed bool
	// Forward and Reverse are the published totals, rounded to 0.1 kWh.
	Forward float64
	Reverse float64
	Err     error
}

func NewEnergyAccumulator(store SettingsStore, deviceID string, now time.Time, logger *zap.Logger) *EnergyAccumulator {
	acc := &EnergyAccumulator{
		store:          store,
		deviceID:       deviceID,
		lastCheckpoint: now,
		logger:         logger.With(zap.String("accumulator", deviceID)),
	}
	if v, ok := store.Get(acc.key(SETTING_ENERGY_FORWARD)); ok && v > 0 {
		acc.forward = v
	}
	if v, ok := store.Get(acc.key(SETTING_ENERGY_REVERSE)); ok && v > 0 {
		acc.reverse = v
	}
	acc.logger.Debug("energy totals loaded", zap.Float64("forward", acc.forward), zap.Float64("reverse", acc.reverse))
	return acc
}

func (acc *EnergyAccumulator) key(name string) string {
	return fmt.Sprintf("%s/%s", acc.deviceID, name)
}

// Ready reports whether enough time has passed to query the meter again.
func (acc *EnergyAccumulator) Ready(now time.Time) bool {
	return acc.lastUpdate.IsZero() || now.Sub(acc.lastUpdate) >= MinUpdateInterval
}

func (acc *EnergyAccumulator) Totals() (forward, reverse float64) {
	return round1(acc.forward), round1(acc.reverse)
}

// Tick integrates power (W) over the time since the previous accepted tick.
func (acc *EnergyAccumulator) Tick(power float64, now time.Time) TickResult {
	if acc.lastUpdate.IsZero() {
		// first sample only starts the clock
		acc.lastUpdate = now
		return acc.result(false)
	}

	elapsed := now.Sub(acc.lastUpdate)
	if elapsed < MinUpdateInterval {
		return acc.result(false)
	}
	if elapsed > MaxUpdateInterval {
		acc.lastUpdate = now
		acc.logger.Warn("energy update interval too long, sample discarded", zap.Duration("elapsed", elapsed))
		res := acc.result(false)
		res.Stale = true
		res.Err = fmt.Errorf("%w: %s", ErrRateAnomaly, elapsed)
		return res
	}

	delta := power * elapsed.Seconds() / 3600000
	if power >= 0 {
		acc.forward += delta
	} else {
		acc.reverse -= delta
	}
	acc.lastUpdate = now

	res := acc.result(true)
	if now.Sub(acc.lastCheckpoint) > CheckpointInterval {
		if err := acc.checkpoint(); err != nil {
			acc.logger.Error("energy checkpoint failed", zap.Error(err))
		} else {
			acc.lastCheckpoint = now
			res.Checkpointed = true
		}
	}
	return res
}

// Set replaces the totals, used when the bus seeds or resets the counters.
func (acc *EnergyAccumulator) Set(forward, reverse float64, now time.Time) error {
	if forward < 0 || reverse < 0 || math.IsNaN(forward) || math.IsNaN(reverse) {
		return fmt.Errorf("%w: energy totals must be non-negative", ErrValueOutOfRange)
	}
	acc.forward = forward
	acc.reverse = reverse
	if err := acc.checkpoint(); err != nil {
		return err
	}
	acc.lastCheckpoint = now
	return nil
}

// Flush persists the current totals, called on shutdown.
func (acc *EnergyAccumulator) Flush() error {
	return acc.checkpoint()
}

func (acc *EnergyAccumulator) checkpoint() error {
	forward, reverse := acc.Totals()
	return errors.Join(
		acc.store.Set(acc.key(SETTING_ENERGY_FORWARD), forward),
		acc.store.Set(acc.key(SETTING_ENERGY_REVERSE), reverse),
	)
}

func (acc *EnergyAccumulator) result(accepted bool) TickResult {
	forward, reverse := acc.Totals()
	return TickResult{Accepted: accepted, Forward: forward, Reverse: reverse}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
