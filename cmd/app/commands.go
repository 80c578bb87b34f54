package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Agrid-Dev/thermoven/internal/oven"
	"github.com/Agrid-Dev/thermoven/internal/persist"
)

var ErrNoStatePath = errors.New("state.path is empty, nowhere to store the result")

// NewRootCommand builds the thermoven CLI. Without a subcommand it serves.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "thermoven",
		Short:         "PID oven controller with HTTP, MQTT and Modbus control surfaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file (.yaml/.yml/.json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the oven and its controllers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd, configPath)
			},
		},
		newAutoTuneCommand(&configPath),
		newCalibrateCommand(&configPath),
		newReadCommand(&configPath),
		newConfigCommand(&configPath),
	)
	return root
}

func runServe(cmd *cobra.Command, path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	log, err := NewLogger(cfg.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return Serve(cmd.Context(), cfg, log)
}

func newAutoTuneCommand(configPath *string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "autotune",
		Short: "Run one relay auto-tune around the target temperature and print the gains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			log, err := NewLogger(cfg.LogLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			rt, err := build(cfg, log, buildOptions{noMirror: dryRun})
			if err != nil {
				return err
			}
			defer rt.Close()

			rep, err := autoTune(cmd.Context(), rt.Oven)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			res := rep.Result
			if res.Fallback != nil {
				fmt.Fprintf(out, "warning: %v, using default gains\n", res.Fallback)
			} else {
				fmt.Fprintf(out, "Ku=%.4f Tu=%.2fs amplitude=%.2f switches=%d\n", res.Ku, res.Tu, res.Amplitude, len(res.Switches))
			}
			fmt.Fprintln(out, res.Gains.String())
			if !dryRun && cfg.State.Path != "" {
				fmt.Fprintf(out, "saved to %s\n", cfg.State.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the gains without persisting them")
	return cmd
}

// autoTune starts an experiment and waits for its report. Canceling ctx
// aborts the run.
func autoTune(ctx context.Context, o *oven.Oven) (oven.AutoTuneReport, error) {
	if _, err := o.StartAutoTune(); err != nil {
		return oven.AutoTuneReport{}, err
	}
	if err := o.WaitAutoTune(ctx); err != nil {
		o.AbortAutoTune()
		_ = o.WaitAutoTune(context.Background())
	}
	rep, ok := o.LastAutoTune()
	if !ok {
		return rep, errors.New("auto-tune produced no report")
	}
	if rep.Err != nil {
		return rep, fmt.Errorf("auto-tune aborted: %w", rep.Err)
	}
	return rep, nil
}

func newCalibrateCommand(configPath *string) *cobra.Command {
	var rawIce, rawBoiling float64
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Store a calibration from raw ice-water and boiling-water readings",
		Long: "Measure the probe in ice water and in boiling water with `thermoven read`, " +
			"then pass both raw values. The result is stored in the state file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			c, err := saveCalibration(cfg, rawIce, rawBoiling)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "offset=%.4f scale=%.4f saved to %s\n", c.Offset, c.Scale, cfg.State.Path)
			return nil
		},
	}
	cmd.Flags().Float64Var(&rawIce, "ice", 0, "raw reading in ice water")
	cmd.Flags().Float64Var(&rawBoiling, "boiling", 0, "raw reading in boiling water")
	_ = cmd.MarkFlagRequired("ice")
	_ = cmd.MarkFlagRequired("boiling")
	return cmd
}

// saveCalibration writes the calibration into the state file, seeding a
// missing file from the configured target and gains.
func saveCalibration(cfg Config, rawIce, rawBoiling float64) (oven.Calibration, error) {
	c, err := oven.ComputeCalibration(rawIce, rawBoiling, oven.IcePointF, oven.BoilingPointF)
	if err != nil {
		return c, err
	}
	if cfg.State.Path == "" {
		return c, ErrNoStatePath
	}
	mirror := persist.NewFile(cfg.State.Path)
	ps, err := mirror.Load()
	if errors.Is(err, fs.ErrNotExist) {
		ps = oven.PersistedState{
			TargetTemperature: cfg.Oven.TargetTemperature,
			Gains:             oven.GainsRecord{Kp: cfg.PID.Kp, Ki: cfg.PID.Ki, Kd: cfg.PID.Kd},
		}
	} else if err != nil {
		return c, err
	}
	ps.Calibration = oven.CalibRecord{Offset: c.Offset, Scale: c.Scale}
	if err := mirror.Save(ps); err != nil {
		return c, err
	}
	return c, nil
}

func newReadCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Print one raw and calibrated thermocouple reading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			log, err := NewLogger(cfg.LogLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			rt, err := Build(cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			raw, err := rt.Oven.ReadRaw(cmd.Context())
			if err != nil {
				return err
			}
			cal := rt.Oven.Get().Calibration
			fmt.Fprintf(cmd.OutOrStdout(), "raw=%.2f calibrated=%.2f\n", raw, cal.Apply(raw))
			return nil
		},
	}
}

func newConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Controllers.MQTT.Password != "" {
				cfg.Controllers.MQTT.Password = "********"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
