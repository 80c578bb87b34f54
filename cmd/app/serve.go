package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	httpctrl "github.com/Agrid-Dev/thermoven/internal/controllers/http"
	modbusctrl "github.com/Agrid-Dev/thermoven/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/thermoven/internal/controllers/mqtt"
)

// runner is anything Serve supervises.
type runner interface {
	Run(ctx context.Context) error
}

// Serve runs the oven and every enabled controller until ctx is canceled or
// one of them fails.
func Serve(ctx context.Context, cfg Config, log *slog.Logger) error {
	rt, err := Build(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error("shutdown", "err", err)
		}
	}()

	runners, err := controllers(cfg, rt, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Oven.Run(gctx) })
	for _, r := range runners {
		g.Go(func() error { return r.Run(gctx) })
	}

	log.Info("thermoven started", "device_id", cfg.DeviceID, "controllers", len(runners))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func controllers(cfg Config, rt *Runtime, log *slog.Logger) ([]runner, error) {
	var out []runner
	c := cfg.Controllers

	if c.HTTP.Enabled {
		srv := httpctrl.New(rt.Oven, rt.Oven, c.HTTP.Addr, cfg.DeviceID, log)
		srv.SetPushInterval(c.HTTP.PushInterval)
		out = append(out, srv)
	}
	if c.MQTT.Enabled {
		m, err := mqttctrl.New(rt.Oven, mqttctrl.Config{
			DeviceID:        cfg.DeviceID,
			BrokerURL:       c.MQTT.BrokerURL,
			ClientID:        c.MQTT.ClientID,
			BaseTopic:       c.MQTT.BaseTopic,
			QoS:             c.MQTT.QoS,
			RetainSnapshot:  c.MQTT.RetainSnapshot,
			PublishInterval: c.MQTT.PublishInterval,
			Username:        c.MQTT.Username,
			Password:        c.MQTT.Password,
			Logger:          log,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if c.MODBUS.Enabled {
		m, err := modbusctrl.New(rt.Oven, modbusctrl.Config{
			DeviceID: cfg.DeviceID,
			Addr:     c.MODBUS.Addr,
			UnitID:   c.MODBUS.UnitID,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
