package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Agrid-Dev/thermoven/internal/oven"
	"github.com/Agrid-Dev/thermoven/internal/ports"
)

const DefaultPushInterval = time.Second

type Server struct {
	svc      ports.OvenService
	hist     ports.HistoryService
	srv      *http.Server
	deviceID string
	log      *slog.Logger

	hub          *hub
	pushInterval time.Duration
}

// New returns a runnable server. hist may be nil, in which case the cycle
// endpoints answer 404.
func New(svc ports.OvenService, hist ports.HistoryService, addr string, deviceID string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "http")
	mux := http.NewServeMux()
	s := &Server{
		svc:          svc,
		hist:         hist,
		deviceID:     deviceID,
		log:          log,
		hub:          newHub(log),
		pushInterval: DefaultPushInterval,
	}

	// Read
	mux.HandleFunc("GET /v1", s.handleGet)
	mux.HandleFunc("GET /v1/temperature", s.handleGetTemperature)
	mux.HandleFunc("GET /v1/autotune", s.handleGetAutoTune)

	// Write: one endpoint per variable
	mux.HandleFunc("POST /v1/target_temperature", s.handlePostTarget)
	mux.HandleFunc("POST /v1/power", s.handlePostPower)
	mux.HandleFunc("POST /v1/power/toggle", s.handleTogglePower)
	mux.HandleFunc("POST /v1/autotune", s.handleStartAutoTune)
	mux.HandleFunc("DELETE /v1/autotune", s.handleAbortAutoTune)
	mux.HandleFunc("POST /v1/timer", s.handlePostTimer)
	mux.HandleFunc("POST /v1/timer/toggle", s.handleToggleTimer)
	mux.HandleFunc("POST /v1/timer/running", s.handlePostTimerRunning)
	mux.HandleFunc("POST /v1/light", s.handlePostLight)
	mux.HandleFunc("POST /v1/light/toggle", s.handleToggleLight)
	mux.HandleFunc("POST /v1/gains", s.handlePostGains)
	mux.HandleFunc("POST /v1/calibration", s.handlePostCalibration)

	// History
	mux.HandleFunc("GET /v1/cycles", s.handleListCycles)
	mux.HandleFunc("GET /v1/cycles/{id}/readings", s.handleReadings)

	// Live state and host health
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /v1/system", s.handleSystem)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetPushInterval changes how often websocket clients receive the state.
func (s *Server) SetPushInterval(d time.Duration) {
	if d > 0 {
		s.pushInterval = d
	}
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	pushCtx, stopPush := context.WithCancel(ctx)
	defer stopPush()
	go s.pushLoop(pushCtx)

	s.log.Info("listening", "addr", s.srv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- DTOs ----

type gainsDTO struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

type calibrationDTO struct {
	Offset float64 `json:"offset"`
	Scale  float64 `json:"scale"`
}

type snapshotDTO struct {
	DeviceID           string         `json:"device_id"`
	OvenOn             bool           `json:"oven_on"`
	TargetTemperature  float64        `json:"target_temperature"`
	SetpointMin        float64        `json:"target_temperature_min"`
	SetpointMax        float64        `json:"target_temperature_max"`
	CurrentTemperature *float64       `json:"current_temperature"`
	Duty               float64        `json:"duty"`
	LightOn            bool           `json:"light_on"`
	AutoTuneRunning    bool           `json:"autotune_running"`
	TimerRunning       bool           `json:"timer_running"`
	TimeRemaining      float64        `json:"time_remaining"`
	Gains              gainsDTO       `json:"pid"`
	Calibration        calibrationDTO `json:"calibration"`
	CycleID            string         `json:"cycle_id,omitempty"`
}

func toDTO(s oven.Snapshot) snapshotDTO {
	dto := snapshotDTO{
		OvenOn:            s.OvenOn,
		TargetTemperature: s.TargetTemperature,
		SetpointMin:       s.SetpointMin,
		SetpointMax:       s.SetpointMax,
		Duty:              s.Duty,
		LightOn:           s.LightOn,
		AutoTuneRunning:   s.Tuning,
		TimerRunning:      s.TimerRunning,
		TimeRemaining:     s.TimeRemaining,
		Gains:             gainsDTO{Kp: s.Gains.Kp, Ki: s.Gains.Ki, Kd: s.Gains.Kd},
		Calibration:       calibrationDTO{Offset: s.Calibration.Offset, Scale: s.Calibration.Scale},
		CycleID:           s.CycleID,
	}
	if s.TemperatureValid {
		t := s.Temperature
		dto.CurrentTemperature = &t
	}
	return dto
}

type autoTuneDTO struct {
	Finished  time.Time `json:"finished"`
	Aborted   bool      `json:"aborted"`
	Gains     gainsDTO  `json:"pid"`
	Tu        float64   `json:"tu"`
	Amplitude float64   `json:"amplitude"`
	Ku        float64   `json:"ku"`
	Switches  int       `json:"switches"`
	Fallback  string    `json:"fallback,omitempty"`
}

type calibrationRequest struct {
	RawIce     *float64 `json:"raw_ice"`
	RawBoiling *float64 `json:"raw_boiling"`
}

// ---- Handlers ----

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w, s.svc.Get())
}

func (s *Server) handleGetTemperature(w http.ResponseWriter, _ *http.Request) {
	snap := s.svc.Get()
	if !snap.TemperatureValid {
		writeErr(w, http.StatusServiceUnavailable, oven.ErrSensorUnavailable.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"current_temperature": snap.Temperature})
}

func (s *Server) handleGetAutoTune(w http.ResponseWriter, _ *http.Request) {
	rep, ok := s.svc.LastAutoTune()
	if !ok {
		writeErr(w, http.StatusNotFound, "no auto-tune run yet")
		return
	}
	res := rep.Result
	dto := autoTuneDTO{
		Finished:  rep.Finished,
		Aborted:   rep.Err != nil,
		Gains:     gainsDTO{Kp: res.Gains.Kp, Ki: res.Gains.Ki, Kd: res.Gains.Kd},
		Tu:        res.Tu,
		Amplitude: res.Amplitude,
		Ku:        res.Ku,
		Switches:  len(res.Switches),
	}
	if res.Fallback != nil {
		dto.Fallback = res.Fallback.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handlePostTarget(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) (oven.Snapshot, error) {
		return s.svc.SetTargetTemperature(v)
	})
}

func (s *Server) handlePostPower(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v bool) (oven.Snapshot, error) {
		return s.svc.SetHeating(v), nil
	})
}

func (s *Server) handleTogglePower(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w, s.svc.ToggleHeating())
}

func (s *Server) handleStartAutoTune(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.svc.StartAutoTune()
	if errors.Is(err, oven.ErrAutoTuneRunning) {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondSnapshot(w, snap)
}

func (s *Server) handleAbortAutoTune(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w, s.svc.AbortAutoTune())
}

func (s *Server) handlePostTimer(w http.ResponseWriter, r *http.Request) {
	// body: {"value": 1800} (seconds)
	postValue(s, w, r, func(v float64) (oven.Snapshot, error) {
		return s.svc.SetTimer(v)
	})
}

func (s *Server) handleToggleTimer(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w, s.svc.ToggleTimer())
}

func (s *Server) handlePostTimerRunning(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v bool) (oven.Snapshot, error) {
		return s.svc.SetTimerRunning(v), nil
	})
}

func (s *Server) handlePostLight(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v bool) (oven.Snapshot, error) {
		return s.svc.SetLight(v), nil
	})
}

func (s *Server) handleToggleLight(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w, s.svc.ToggleLight())
}

func (s *Server) handlePostGains(w http.ResponseWriter, r *http.Request) {
	// body: {"value": {"kp": 10, "ki": 5, "kd": 1}}
	postValue(s, w, r, func(v gainsDTO) (oven.Snapshot, error) {
		return s.svc.SetGains(oven.Gains{Kp: v.Kp, Ki: v.Ki, Kd: v.Kd})
	})
}

func (s *Server) handlePostCalibration(w http.ResponseWriter, r *http.Request) {
	// body: {"value": {"raw_ice": 33.1, "raw_boiling": 210.4}}
	postValue(s, w, r, func(v calibrationRequest) (oven.Snapshot, error) {
		if v.RawIce == nil || v.RawBoiling == nil {
			return oven.Snapshot{}, errors.New("raw_ice and raw_boiling are required")
		}
		return s.svc.Calibrate(*v.RawIce, *v.RawBoiling)
	})
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeErr(w, http.StatusNotFound, "history disabled")
		return
	}
	cycles, err := s.hist.Cycles(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cycles == nil {
		cycles = []oven.Cycle{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeErr(w, http.StatusNotFound, "history disabled")
		return
	}
	readings, err := s.hist.Readings(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	if readings == nil {
		readings = []oven.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

// ---- generic helpers ----
func (s *Server) dto(snap oven.Snapshot) snapshotDTO {
	dto := toDTO(snap)
	dto.DeviceID = s.deviceID
	return dto
}

func (s *Server) respondSnapshot(w http.ResponseWriter, snap oven.Snapshot) {
	writeJSON(w, http.StatusOK, s.dto(snap))
}

func postValue[T any](s *Server, w http.ResponseWriter, r *http.Request, apply func(T) (oven.Snapshot, error)) {
	dec := json.NewDecoder(r.Body)
	var req struct {
		Value *T `json:"value"`
	}
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'value'")
		return
	}

	snap, err := apply(*req.Value)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondSnapshot(w, snap)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
