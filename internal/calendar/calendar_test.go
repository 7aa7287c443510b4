package calendar

import (
	"testing"
	"time"
)

func TestDaysBetween_UsesReferenceZone(t *testing.T) {
	cal, err := Load("America/Sao_Paulo") // UTC-3, no DST since 2019
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// 02:00 UTC on the 2nd is still the 1st in São Paulo.
	activation := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	evaluated := time.Date(2025, 3, 2, 2, 0, 0, 0, time.UTC)

	if got := cal.DaysBetween(activation, evaluated); got != 0 {
		t.Errorf("expected 0 days in reference zone, got %d", got)
	}
	if got := New(time.UTC).DaysBetween(activation, evaluated); got != 1 {
		t.Errorf("expected 1 day in UTC, got %d", got)
	}
}

func TestDaysBetween_AcrossDST(t *testing.T) {
	cal, err := Load("America/New_York")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// 2025-03-09 has 23 hours in New York.
	from := time.Date(2025, 3, 8, 23, 30, 0, 0, cal.Location())
	to := time.Date(2025, 3, 10, 0, 30, 0, 0, cal.Location())

	if got := cal.DaysBetween(from, to); got != 2 {
		t.Errorf("expected 2 days across DST, got %d", got)
	}
	if got := cal.DaysBetween(to, from); got != -2 {
		t.Errorf("expected -2 days reversed, got %d", got)
	}
}

func TestElapsedDays_FloorsFromTheInstant(t *testing.T) {
	cal, err := Load("America/New_York")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	activated := time.Date(2025, 3, 8, 10, 30, 0, 0, cal.Location())
	day := func(d int) time.Time { return time.Date(2025, 3, d, 0, 0, 0, 0, cal.Location()) }

	cases := []struct {
		at   time.Time
		want int
	}{
		{day(8), -1},
		{day(9), 0},
		{day(10), 1}, // spring-forward day in between
		{time.Date(2025, 3, 10, 10, 30, 0, 0, cal.Location()), 2},
	}
	for _, tc := range cases {
		if got := cal.ElapsedDays(activated, tc.at); got != tc.want {
			t.Errorf("ElapsedDays(%s) = %d, want %d", tc.at, got, tc.want)
		}
	}

	midnight := day(8)
	if got := cal.ElapsedDays(midnight, midnight); got != 0 {
		t.Errorf("activation at midnight: got %d, want 0", got)
	}
}

func TestAddDays_StaysOnMidnight(t *testing.T) {
	cal, _ := Load("America/New_York")
	day := time.Date(2025, 3, 8, 0, 0, 0, 0, cal.Location())

	next := cal.AddDays(day, 2)
	if next.Hour() != 0 || next.Day() != 10 {
		t.Errorf("expected midnight on the 10th, got %s", next)
	}
}

func TestKeyAndParse(t *testing.T) {
	cal := New(time.UTC)
	day, err := cal.Parse("2025-08-15")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cal.Key(day); got != "2025-08-15" {
		t.Errorf("round trip key = %q", got)
	}
	if _, err := cal.Parse("15/08/2025"); err == nil {
		t.Error("expected error for malformed day key")
	}
}

func TestToday(t *testing.T) {
	cal := New(time.UTC)
	now := time.Date(2025, 8, 15, 17, 45, 0, 0, time.UTC)
	got := cal.Today(func() time.Time { return now })

	want := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Today = %s, want %s", got, want)
	}
}

func TestLoad_InvalidZone(t *testing.T) {
	if _, err := Load("Mars/Olympus_Mons"); err == nil {
		t.Error("expected error for unknown zone")
	}
}
