package window

import (
	"testing"
	"time"

	"github.com/hrfmtzk/mail-digest/model"
)

func TestResolve_UTC(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	win, err := Resolve(now, "UTC")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	wantStart := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if !win.Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", win.Start, wantStart)
	}
	if !win.End.Equal(wantEnd) {
		t.Errorf("End = %v, want %v", win.End, wantEnd)
	}
}

func TestResolve_TokyoOffset(t *testing.T) {
	// 2024-03-15 01:00 JST is 2024-03-14 16:00 UTC; the window must
	// follow the civil day in Tokyo, not in UTC.
	now := time.Date(2024, 3, 15, 1, 0, 0, 0, time.FixedZone("probe", 9*3600))

	win, err := Resolve(now, "Asia/Tokyo")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	wantStart := time.Date(2024, 3, 14, 0, 0, 0, 0, loc)
	wantEnd := time.Date(2024, 3, 15, 0, 0, 0, 0, loc)
	if !win.Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", win.Start, wantStart)
	}
	if !win.End.Equal(wantEnd) {
		t.Errorf("End = %v, want %v", win.End, wantEnd)
	}
	if got := win.End.Sub(win.Start); got != 24*time.Hour {
		t.Errorf("window length = %v, want 24h", got)
	}
}

func TestResolve_DSTSpringForward(t *testing.T) {
	// US DST began 2024-03-10; that civil day has 23 hours.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	now := time.Date(2024, 3, 11, 8, 0, 0, 0, loc)

	win, err := Resolve(now, "America/New_York")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if got := win.End.Sub(win.Start); got != 23*time.Hour {
		t.Errorf("window length = %v, want 23h", got)
	}
}

func TestResolve_DSTFallBack(t *testing.T) {
	// US DST ended 2024-11-03; that civil day has 25 hours.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	now := time.Date(2024, 11, 4, 8, 0, 0, 0, loc)

	win, err := Resolve(now, "America/New_York")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if got := win.End.Sub(win.Start); got != 25*time.Hour {
		t.Errorf("window length = %v, want 25h", got)
	}
}

func TestResolve_InvalidTimezone(t *testing.T) {
	_, err := Resolve(time.Now(), "Not/AZone")
	if err == nil {
		t.Fatal("Resolve() expected error for unknown timezone")
	}
	if !model.IsFatal(err) {
		t.Errorf("error should be fatal, got %v", err)
	}
	if got := model.KindOf(err); got != model.FailInvalidTimezone {
		t.Errorf("KindOf() = %q, want %q", got, model.FailInvalidTimezone)
	}
}

func TestRunWindow_Contains_HalfOpen(t *testing.T) {
	win := model.RunWindow{
		Start: time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
	}

	if !win.Contains(win.Start) {
		t.Error("start instant should be inside the window")
	}
	if win.Contains(win.End) {
		t.Error("end instant should be outside the window")
	}
	if !win.Contains(win.End.Add(-time.Second)) {
		t.Error("instant just before end should be inside the window")
	}
	if win.Contains(win.Start.Add(-time.Second)) {
		t.Error("instant before start should be outside the window")
	}
}
