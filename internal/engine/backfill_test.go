package engine

import (
	"testing"
	"time"
)

func TestGenerateSlotTimesWideWindowSamplesRandomly(t *testing.T) {
	start := time.Now()
	end := start.Add(24 * time.Hour)

	times := generateSlotTimes(start, end, 3)
	if len(times) != 3 {
		t.Fatalf("expected 3 slot times, got %d", len(times))
	}
	for _, tm := range times {
		if tm.Before(start) || !tm.Before(end) {
			t.Fatalf("slot time %v outside window [%v, %v)", tm, start, end)
		}
	}
}

func TestGenerateSlotTimesNarrowWindowSteps(t *testing.T) {
	start := time.Now()
	end := start.Add(5 * time.Minute)

	times := generateSlotTimes(start, end, 4)
	if len(times) != 4 {
		t.Fatalf("expected 4 slot times, got %d", len(times))
	}
	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			t.Fatalf("expected step-distributed times to be strictly increasing")
		}
	}
}

func TestGenerateSlotTimesZeroNeed(t *testing.T) {
	start := time.Now()
	end := start.Add(time.Hour)
	if times := generateSlotTimes(start, end, 0); times != nil {
		t.Fatalf("expected no times for zero need, got %d", len(times))
	}
}

func TestGenerateSlotTimesEmptyWindow(t *testing.T) {
	start := time.Now()
	if times := generateSlotTimes(start, start, 3); times != nil {
		t.Fatalf("expected no times for empty window, got %d", len(times))
	}
}

func TestStartOfDayTruncates(t *testing.T) {
	now := time.Date(2026, 7, 29, 15, 42, 10, 0, time.UTC)
	sod := startOfDay(now)
	if sod.Hour() != 0 || sod.Minute() != 0 || sod.Second() != 0 {
		t.Fatalf("expected midnight, got %v", sod)
	}
	if sod.Year() != 2026 || sod.Month() != 7 || sod.Day() != 29 {
		t.Fatalf("expected same calendar day, got %v", sod)
	}
}
