package main

import (
	"testing"
	"time"
)

func TestAnomalyConfigFromEnv(t *testing.T) {
	t.Setenv("ANOMALY_WINDOW", "2h")
	t.Setenv("ANOMALY_RAPID_THRESHOLD", "7")
	t.Setenv("ANOMALY_FAST_SOLVE_FLOOR_S", "90")
	t.Setenv("ANOMALY_PERFECT_SCORE_FLOOR", "98.5")
	t.Setenv("ANOMALY_IDENTICAL_GROUP_MIN", "4")
	t.Setenv("ANOMALY_OFF_HOURS_FRACTION", "0.8")
	t.Setenv("ANOMALY_DAY_START_HOUR", "7")
	t.Setenv("ANOMALY_DAY_END_HOUR", "22")
	t.Setenv("ANOMALY_MIN_EVENTS_FOR_TIMING", "8")
	t.Setenv("ANOMALY_COORDINATED_MIN_USERS", "6")
	t.Setenv("ANOMALY_HIGH_FREQUENCY_THRESHOLD", "50")
	t.Setenv("ANOMALY_LARGE_UPLOAD_BYTES", "1048576")
	t.Setenv("ANOMALY_RAPID_UPLOAD_THRESHOLD", "10")
	t.Setenv("ANOMALY_HIGH_BANDWIDTH_BYTES", "10485760")
	t.Setenv("ANOMALY_CONFIDENCE_CAP", "0.9")
	t.Setenv("ANOMALY_SUSPICIOUS_EXTENSIONS", ".exe, .ps1")

	cfg := anomalyConfigFromEnv()

	if cfg.Window != 2*time.Hour {
		t.Errorf("Window = %s, want 2h", cfg.Window)
	}
	if cfg.RapidSubmissionThreshold != 7 {
		t.Errorf("RapidSubmissionThreshold = %d, want 7", cfg.RapidSubmissionThreshold)
	}
	if cfg.FastSolveFloorS != 90 {
		t.Errorf("FastSolveFloorS = %d, want 90", cfg.FastSolveFloorS)
	}
	if cfg.PerfectScoreFloor != 98.5 {
		t.Errorf("PerfectScoreFloor = %f, want 98.5", cfg.PerfectScoreFloor)
	}
	if cfg.IdenticalGroupMin != 4 {
		t.Errorf("IdenticalGroupMin = %d, want 4", cfg.IdenticalGroupMin)
	}
	if cfg.OffHoursFraction != 0.8 {
		t.Errorf("OffHoursFraction = %f, want 0.8", cfg.OffHoursFraction)
	}
	if cfg.DayStartHour != 7 || cfg.DayEndHour != 22 {
		t.Errorf("day window = %d-%d, want 7-22", cfg.DayStartHour, cfg.DayEndHour)
	}
	if cfg.MinEventsForTiming != 8 {
		t.Errorf("MinEventsForTiming = %d, want 8", cfg.MinEventsForTiming)
	}
	if cfg.CoordinatedMinUsers != 6 {
		t.Errorf("CoordinatedMinUsers = %d, want 6", cfg.CoordinatedMinUsers)
	}
	if cfg.HighFrequencyThreshold != 50 {
		t.Errorf("HighFrequencyThreshold = %d, want 50", cfg.HighFrequencyThreshold)
	}
	if cfg.LargeUploadBytes != 1048576 {
		t.Errorf("LargeUploadBytes = %d, want 1048576", cfg.LargeUploadBytes)
	}
	if cfg.RapidUploadThreshold != 10 {
		t.Errorf("RapidUploadThreshold = %d, want 10", cfg.RapidUploadThreshold)
	}
	if cfg.HighBandwidthBytes != 10485760 {
		t.Errorf("HighBandwidthBytes = %d, want 10485760", cfg.HighBandwidthBytes)
	}
	if cfg.ConfidenceCap != 0.9 {
		t.Errorf("ConfidenceCap = %f, want 0.9", cfg.ConfidenceCap)
	}
	if len(cfg.SuspiciousExtensions) != 2 || cfg.SuspiciousExtensions[1] != ".ps1" {
		t.Errorf("SuspiciousExtensions = %v, want [.exe .ps1]", cfg.SuspiciousExtensions)
	}
}

func TestAnomalyConfigDefaultsWhenUnset(t *testing.T) {
	t.Setenv("ANOMALY_RAPID_THRESHOLD", "")
	t.Setenv("ANOMALY_CONFIDENCE_CAP", "not-a-number")

	cfg := anomalyConfigFromEnv()
	if cfg.RapidSubmissionThreshold != 10 {
		t.Errorf("RapidSubmissionThreshold = %d, want default 10", cfg.RapidSubmissionThreshold)
	}
	if cfg.ConfidenceCap != 0.95 {
		t.Errorf("ConfidenceCap = %f, want default 0.95", cfg.ConfidenceCap)
	}
}

func TestWorkerEndpointsFromEnv(t *testing.T) {
	t.Setenv("WORKER_ENDPOINTS_RUST_GRADER", "http://a:9000, http://b:9000,")
	t.Setenv("WORKER_ENDPOINTS_MOVE_COMPILER", "")

	endpoints := workerEndpointsFromEnv()
	rust := endpoints["rust-grader"]
	if len(rust) != 2 || rust[0] != "http://a:9000" || rust[1] != "http://b:9000" {
		t.Errorf("rust-grader endpoints = %v", rust)
	}
	if _, ok := endpoints["move-compiler"]; ok {
		t.Error("empty env var produced endpoints")
	}
}
