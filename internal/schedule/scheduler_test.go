package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/coveyhq/covey/internal/bus"
	"github.com/coveyhq/covey/internal/config"
	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/pkg/protocol"
)

func newTestScheduler(t *testing.T, entries []config.ScheduledJob) (*Scheduler, *jobs.Runner, *bus.MessageBus) {
	t.Helper()
	pub := bus.NewMessageBus()
	runner := jobs.NewRunner(jobs.NewMemoryStore(), nil, pub, nil)
	s, err := New(runner, entries, pub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, runner, pub
}

func TestNewRejectsBadEntries(t *testing.T) {
	runner := jobs.NewRunner(jobs.NewMemoryStore(), nil, nil, nil)
	cases := []struct {
		name  string
		entry config.ScheduledJob
	}{
		{"bad cron", config.ScheduledJob{Name: "x", Cron: "not a cron", Prompt: "p"}},
		{"no name", config.ScheduledJob{Cron: "* * * * *", Prompt: "p"}},
		{"no prompt", config.ScheduledJob{Name: "x", Cron: "* * * * *"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(runner, []config.ScheduledJob{tc.entry}, nil, nil); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRunDueSubmitsMatching(t *testing.T) {
	entries := []config.ScheduledJob{
		{Name: "nightly", Cron: "30 2 * * *", Prompt: "summarize the day"},
		{Name: "hourly", Cron: "0 * * * *", Prompt: "check the queue", Model: "qwen3-4b"},
	}
	s, runner, pub := newTestScheduler(t, entries)

	var fired []string
	pub.Subscribe("test", func(ev bus.Event) {
		if ev.Name != protocol.EventSchedule {
			return
		}
		payload := ev.Payload.(map[string]string)
		fired = append(fired, payload["schedule"])
	})

	// 02:30 matches the nightly entry only.
	ref := time.Date(2026, 3, 14, 2, 30, 0, 0, time.UTC)
	s.runDue(context.Background(), ref)

	list, err := runner.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("jobs = %d, want 1", len(list))
	}
	if list[0].Prompt != "summarize the day" {
		t.Errorf("prompt = %q", list[0].Prompt)
	}
	if len(fired) != 1 || fired[0] != "nightly" {
		t.Errorf("fired = %v", fired)
	}

	// Top of the hour matches the hourly entry only.
	ref = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.runDue(context.Background(), ref)

	list, err = runner.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("jobs = %d, want 2", len(list))
	}
	var hourly *jobs.Job
	for _, j := range list {
		if j.Prompt == "check the queue" {
			hourly = j
		}
	}
	if hourly == nil {
		t.Fatal("hourly job not submitted")
	}
	if hourly.Model != "qwen3-4b" {
		t.Errorf("model = %q", hourly.Model)
	}
}

func TestRunDueNoMatch(t *testing.T) {
	entries := []config.ScheduledJob{
		{Name: "nightly", Cron: "30 2 * * *", Prompt: "summarize"},
	}
	s, runner, _ := newTestScheduler(t, entries)

	ref := time.Date(2026, 3, 14, 11, 45, 0, 0, time.UTC)
	s.runDue(context.Background(), ref)

	list, err := runner.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("jobs = %d, want 0", len(list))
	}
}

func TestRunReturnsWhenEmpty(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately with no entries")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	entries := []config.ScheduledJob{
		{Name: "x", Cron: "* * * * *", Prompt: "p"},
	}
	s, _, _ := newTestScheduler(t, entries)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
