package ports

import (
	"context"

	"github.com/Agrid-Dev/thermoven/internal/oven"
)

// OvenService is the control-plane port used by controllers (HTTP/MQTT/Modbus).
// Every mutation returns the resulting snapshot.
type OvenService interface {
	Get() oven.Snapshot

	SetTargetTemperature(float64) (oven.Snapshot, error)
	ToggleHeating() oven.Snapshot
	SetHeating(bool) oven.Snapshot

	StartAutoTune() (oven.Snapshot, error)
	AbortAutoTune() oven.Snapshot
	LastAutoTune() (oven.AutoTuneReport, bool)

	SetTimer(seconds float64) (oven.Snapshot, error)
	ToggleTimer() oven.Snapshot
	SetTimerRunning(bool) oven.Snapshot

	ToggleLight() oven.Snapshot
	SetLight(bool) oven.Snapshot

	SetGains(oven.Gains) (oven.Snapshot, error)
	Calibrate(rawIce, rawBoiling float64) (oven.Snapshot, error)
}

// HistoryService exposes logged heating cycles.
type HistoryService interface {
	Cycles(ctx context.Context) ([]oven.Cycle, error)
	Readings(ctx context.Context, cycleID string) ([]oven.Reading, error)
}

var (
	_ OvenService    = (*oven.Oven)(nil)
	_ HistoryService = (*oven.Oven)(nil)
)
