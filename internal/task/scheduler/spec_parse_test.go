package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/30 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "15m", kind: SpecInterval, source: "duration", duration: 15 * time.Minute},
		{name: "prefixed interval", raw: "interval:45m", kind: SpecInterval, source: "duration", duration: 45 * time.Minute},
		{name: "prefixed every", raw: "every:01:00", kind: SpecInterval, source: "hhmm", duration: time.Hour},
		{name: "daily at", raw: "at:06:30", kind: SpecCron, source: "at"},
		{name: "hhmm", raw: "00:15", kind: SpecInterval, source: "hhmm", duration: 15 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "cron:61 * * * *", "interval:-5m", "00:00"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestNextCronHonoursMinGap(t *testing.T) {
	t.Parallel()
	from := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	next, err := nextCron("*/5 * * * *", from, time.UTC, 0)
	if err != nil {
		t.Fatalf("nextCron: %v", err)
	}
	if want := from.Add(5 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	next, _ = nextCron("*/5 * * * *", from, time.UTC, 15*time.Minute)
	if want := from.Add(15 * time.Minute); !next.Equal(want) {
		t.Fatalf("next with gap = %v, want %v", next, want)
	}
}
