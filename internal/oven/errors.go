package oven

import "errors"

var (
	ErrSensorUnavailable       = errors.New("sensor unavailable")
	ErrActuatorFault           = errors.New("actuator fault")
	ErrInsufficientOscillation = errors.New("auto-tune: not enough switching events")
	ErrDegenerateAmplitude     = errors.New("auto-tune: zero oscillation amplitude")
	ErrDoubleCycleOpen         = errors.New("cycle already open")
	ErrPersistenceWrite        = errors.New("state mirror write failed")

	ErrSetpointOutOfRange    = errors.New("setpoint out of range")
	ErrInvalidGains          = errors.New("PID gains must be finite and greater or equal to zero")
	ErrInvalidTimer          = errors.New("timer duration must be finite and greater or equal to zero")
	ErrInvalidCalibration    = errors.New("invalid calibration")
	ErrAutoTuneRunning       = errors.New("auto-tune already running")
	ErrInvalidSetpointLimits = errors.New("invalid min/max setpoints")
	ErrInvalidInterval       = errors.New("tick intervals must be positive")

	ErrMissingDependency = errors.New("oven: sensor, heater and cycle store are required")
	ErrClosed            = errors.New("oven closed")
)
