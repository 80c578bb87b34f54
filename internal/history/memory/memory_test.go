package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/Agrid-Dev/thermoven/internal/oven"
)

func TestPruneKeepsMostRecentAndCascades(t *testing.T) {
	s := New()
	ctx := t.Context()
	base := time.Unix(1700000000, 0)

	var ids []string
	for i := range 25 {
		start := base.Add(time.Duration(i) * time.Hour)
		id, _ := s.OpenCycle(ctx, start)
		_ = s.AppendReading(ctx, oven.Reading{CycleID: id, Timestamp: start, Measured: 100, Setpoint: 350})
		if err := s.CloseCycle(ctx, id, start.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if err := s.Prune(ctx, 20); err != nil {
		t.Fatal(err)
	}
	cycles, _ := s.ListCycles(ctx)
	if len(cycles) != 20 {
		t.Fatalf("kept %d cycles, want 20", len(cycles))
	}
	if cycles[0].ID != ids[24] || cycles[19].ID != ids[5] {
		t.Errorf("wrong cycles kept")
	}
	if s.ReadingCount() != 20 {
		t.Errorf("readings = %d, want 20", s.ReadingCount())
	}
	if _, err := s.Readings(ctx, ids[0]); !errors.Is(err, ErrUnknownCycle) {
		t.Errorf("pruned cycle still readable: %v", err)
	}
}

func TestCloseTwice(t *testing.T) {
	s := New()
	id, _ := s.OpenCycle(t.Context(), time.Unix(0, 0))
	if s.OpenCount() != 1 {
		t.Fatalf("open = %d", s.OpenCount())
	}
	if err := s.CloseCycle(t.Context(), id, time.Unix(1, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CloseCycle(t.Context(), id, time.Unix(2, 0)); !errors.Is(err, ErrCycleClosed) {
		t.Errorf("got %v, want ErrCycleClosed", err)
	}
	if err := s.AppendReading(t.Context(), oven.Reading{CycleID: "nope"}); !errors.Is(err, ErrUnknownCycle) {
		t.Errorf("got %v, want ErrUnknownCycle", err)
	}
}
