package health

import (
	"context"
	"errors"
	"testing"
	"time"

	corehealth "3tcapital/auditharvest/internal/core/health"
)

func TestService_Status(t *testing.T) {
	meta := Metadata{
		Service:     "auditharvest",
		Version:     "1.0.0",
		Environment: "test",
		Source:      "CloudTrail",
		RunID:       "run-1",
	}
	service := NewService(meta)

	status := service.Status(context.Background())

	if status.Service != meta.Service || status.Version != meta.Version || status.Environment != meta.Environment {
		t.Errorf("metadata not reflected: %+v", status)
	}
	if status.Source != "CloudTrail" || status.RunID != "run-1" {
		t.Errorf("expected run identity, got source=%q run=%q", status.Source, status.RunID)
	}
	if status.Status != corehealth.StatusUp {
		t.Errorf("expected UP, got %q", status.Status)
	}
	if !status.StartedAt.Equal(service.startedAt) {
		t.Error("expected startedAt to match service start")
	}
	if len(status.Dependencies) != 0 {
		t.Errorf("expected no dependencies, got %v", status.Dependencies)
	}
}

func TestService_StatusWithChecks(t *testing.T) {
	var sawDeadline bool
	service := NewService(Metadata{Service: "auditharvest"},
		Check{Name: "cursor-db", Probe: func(ctx context.Context) error {
			_, sawDeadline = ctx.Deadline()
			return nil
		}},
		Check{Name: "progress-amqp", Probe: func(context.Context) error {
			return errors.New("connection refused")
		}},
	)

	status := service.Status(context.Background())

	if status.Status != corehealth.StatusDegraded {
		t.Errorf("expected DEGRADED, got %q", status.Status)
	}
	if !sawDeadline {
		t.Error("probes should run with a timeout")
	}
	want := []corehealth.Dependency{
		{Name: "cursor-db", Status: corehealth.StatusUp},
		{Name: "progress-amqp", Status: corehealth.StatusDegraded, Error: "connection refused"},
	}
	if len(status.Dependencies) != len(want) {
		t.Fatalf("expected %d dependencies, got %d", len(want), len(status.Dependencies))
	}
	for i := range want {
		if status.Dependencies[i] != want[i] {
			t.Errorf("dependency %d = %+v, want %+v", i, status.Dependencies[i], want[i])
		}
	}
}

func TestService_Uptime(t *testing.T) {
	service := NewService(Metadata{})
	service.startedAt = time.Now().Add(-90 * time.Second)

	status := service.Status(context.Background())
	if status.UptimeSecs < 90 {
		t.Errorf("expected at least 90s uptime, got %d", status.UptimeSecs)
	}
	if status.Uptime != "1m30s" && status.Uptime != "1m31s" {
		t.Errorf("expected truncated uptime string, got %q", status.Uptime)
	}
}
