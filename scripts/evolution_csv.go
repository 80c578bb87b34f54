package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Agrid-Dev/thermoven/internal/device"
	"github.com/Agrid-Dev/thermoven/internal/oven"
)

type SetpointCommand struct {
	IterationNumber int
	Value           float64
}

// SimulateOven runs the PID loop against the simulated oven in simulated
// time, one second per iteration, and writes the trajectory as CSV.
func SimulateOven(iterations int, filename string, gains oven.Gains, setpointCommands []SetpointCommand) error {
	frozen := time.Unix(0, 0)
	sim, err := device.NewSimOven(device.SimParams{
		AmbientTemperature: 70,
		InitialTemperature: 70,
		HeaterPower:        2.0,
		LossCoefficient:    0.004,
	}, func() time.Time { return frozen })
	if err != nil {
		return fmt.Errorf("failed to create simulator: %v", err)
	}
	pid := oven.NewPID(gains, oven.DefaultIntegralLimit)
	setpoint := 350.0

	// Create CSV file
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write CSV header
	if err := writer.Write([]string{"Iteration", "Temperature", "Setpoint", "Duty", "P", "I", "D"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	ctx := context.Background()
	const dt = time.Second

	for i := range iterations {
		// Check if we need to update the setpoint
		for _, cmd := range setpointCommands {
			if cmd.IterationNumber == i+1 {
				setpoint = cmd.Value
				break
			}
		}

		temp, err := sim.ReadRaw(ctx)
		if err != nil {
			return fmt.Errorf("failed to read simulator: %v", err)
		}
		out := pid.Step(setpoint, temp, dt.Seconds())
		if err := sim.SetDuty(ctx, out.Duty); err != nil {
			return fmt.Errorf("failed to drive simulator: %v", err)
		}

		// Write to CSV
		if err := writer.Write([]string{
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%.2f", temp),
			fmt.Sprintf("%.2f", setpoint),
			fmt.Sprintf("%.2f", out.Duty),
			fmt.Sprintf("%.3f", out.P),
			fmt.Sprintf("%.3f", out.I),
			fmt.Sprintf("%.3f", out.D),
		}); err != nil {
			return fmt.Errorf("failed to write CSV record: %v", err)
		}

		sim.Step(dt)
	}

	return nil
}

func main() {
	var (
		iterations int
		out        string
		kp, ki, kd float64
	)
	flag.IntVar(&iterations, "n", 3600, "iterations (simulated seconds)")
	flag.StringVar(&out, "o", "thermoven.csv", "output file")
	flag.Float64Var(&kp, "kp", 10, "proportional gain")
	flag.Float64Var(&ki, "ki", 0.05, "integral gain")
	flag.Float64Var(&kd, "kd", 1, "derivative gain")
	flag.Parse()

	commands := []SetpointCommand{
		{
			IterationNumber: 1800,
			Value:           425.0,
		},
	}
	if err := SimulateOven(iterations, out, oven.Gains{Kp: kp, Ki: ki, Kd: kd}, commands); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
