package entities

import (
	"math"
	"strings"
	"testing"
	"time"
)

func validConfig() IrrigationConfig {
	return IrrigationConfig{
		FieldID:                    "f1",
		TargetLevelCm:              8,
		ToleranceCm:                0.5,
		MaxDurationMinutes:         120,
		SensorCheckIntervalSeconds: 60,
		MinFlowRateCmPerMin:        0.01,
	}
}

func TestIrrigationConfigValidate(t *testing.T) {
	neg := -1.0
	cases := []struct {
		name   string
		mutate func(*IrrigationConfig)
		want   string
	}{
		{"valid", func(*IrrigationConfig) {}, ""},
		{"no field", func(c *IrrigationConfig) { c.FieldID = "  " }, "field_id"},
		{"zero target", func(c *IrrigationConfig) { c.TargetLevelCm = 0 }, "target_level_cm"},
		{"negative tolerance", func(c *IrrigationConfig) { c.ToleranceCm = -0.1 }, "tolerance_cm"},
		{"zero duration", func(c *IrrigationConfig) { c.MaxDurationMinutes = 0 }, "max_duration_minutes"},
		{"zero interval", func(c *IrrigationConfig) { c.SensorCheckIntervalSeconds = 0 }, "sensor_check_interval_seconds"},
		{"negative flow", func(c *IrrigationConfig) { c.TargetFlowRateM3s = &neg }, "target_flow_rate_m3s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			err := c.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestIrrigationConfigDerived(t *testing.T) {
	c := validConfig()
	c.SensorCheckIntervalSeconds = 0.5
	c.MaxDurationMinutes = 1.5
	if got := c.CheckInterval(); got != 500*time.Millisecond {
		t.Fatalf("CheckInterval = %v", got)
	}
	if got := c.MaxDuration(); got != 90*time.Second {
		t.Fatalf("MaxDuration = %v", got)
	}
	if !c.TargetReached(7.5) || c.TargetReached(7.49) {
		t.Fatal("tolerance band not applied")
	}
}

func TestFieldVolumeAndSoil(t *testing.T) {
	f := Field{ID: "f1", AreaHectares: 10, SoilType: SoilClay}
	if got := f.VolumeLiters(3); math.Abs(got-3e6) > 1e-3 {
		t.Fatalf("VolumeLiters(3) = %v, want 3e6", got)
	}
	if f.VolumeLiters(-1) != 0 || (Field{ID: "x"}).VolumeLiters(5) != 0 {
		t.Fatal("non-positive change or area must give zero volume")
	}
	if !f.HasGeometry() || (Field{ID: "x"}).HasGeometry() {
		t.Fatal("HasGeometry mismatch")
	}

	for soil, want := range map[SoilType]float64{"clay": 1, " Sand ": 4, "sandy_loam": 3, "peat": 2} {
		if got := soil.PercolationRate(); got != want {
			t.Fatalf("%q: rate %v, want %v", soil, got, want)
		}
	}
}

func TestStatusAndClaim(t *testing.T) {
	for s, want := range map[SessionStatus]bool{
		StatusPreparing: false, StatusActive: false,
		StatusCompleted: true, StatusFailed: true, StatusCancelled: true,
	} {
		if s.Terminal() != want {
			t.Fatalf("%s.Terminal() = %v", s, !want)
		}
	}

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	c := FieldClaim{ExpiresAt: now}
	if !c.Expired(now) || c.Expired(now.Add(-time.Nanosecond)) {
		t.Fatal("claim expiry boundary wrong")
	}
}
