package cron

import (
	"testing"
	"time"

	"github.com/relayhq/relay/internal/config"
)

func TestNewScheduleKinds(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.CronScheduleConfig
		wantKind string
		wantErr  bool
	}{
		{"at rfc3339", config.CronScheduleConfig{At: "2026-09-01T10:00:00Z"}, "at", false},
		{"every", config.CronScheduleConfig{Every: 5 * time.Minute}, "every", false},
		{"cron five field", config.CronScheduleConfig{Cron: "0 9 * * 1-5"}, "cron", false},
		{"cron descriptor", config.CronScheduleConfig{Cron: "@hourly"}, "cron", false},
		{"empty", config.CronScheduleConfig{}, "", true},
		{"bad cron", config.CronScheduleConfig{Cron: "not a cron"}, "", true},
		{"bad at", config.CronScheduleConfig{At: "yesterday-ish"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := NewSchedule(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSchedule: %v", err)
			}
			if sched.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", sched.Kind, tt.wantKind)
			}
		})
	}
}

func TestScheduleNext(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	at := Schedule{Kind: "at", At: now.Add(time.Hour)}
	next, ok, err := at.Next(now)
	if err != nil || !ok || !next.Equal(now.Add(time.Hour)) {
		t.Errorf("at next = %v ok=%v err=%v", next, ok, err)
	}
	_, ok, err = at.Next(now.Add(2 * time.Hour))
	if err != nil || ok {
		t.Errorf("past at schedule should be exhausted, ok=%v err=%v", ok, err)
	}

	every := Schedule{Kind: "every", Every: 10 * time.Minute}
	next, ok, err = every.Next(now)
	if err != nil || !ok || !next.Equal(now.Add(10*time.Minute)) {
		t.Errorf("every next = %v ok=%v err=%v", next, ok, err)
	}

	daily := Schedule{Kind: "cron", CronExpr: "0 9 * * *"}
	next, ok, err = daily.Next(now)
	if err != nil || !ok {
		t.Fatalf("cron next err=%v ok=%v", err, ok)
	}
	if next.Hour() != 9 || next.Day() != 1 {
		t.Errorf("cron next = %v, want 09:00 same day", next)
	}
}
