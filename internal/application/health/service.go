package health

import (
	"context"
	"time"

	corehealth "3tcapital/auditharvest/internal/core/health"
)

// Metadata describes the running harvest.
type Metadata struct {
	Service     string
	Version     string
	Environment string
	Source      string
	RunID       string
}

// Check probes one dependency, e.g. the cursor database.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Service answers health probes.
type Service struct {
	meta      Metadata
	checks    []Check
	timeout   time.Duration
	startedAt time.Time
}

func NewService(meta Metadata, checks ...Check) *Service {
	return &Service{
		meta:      meta,
		checks:    checks,
		timeout:   2 * time.Second,
		startedAt: time.Now().UTC(),
	}
}

// Status runs every check and reports DEGRADED if any fails.
func (s *Service) Status(ctx context.Context) corehealth.Status {
	uptime := time.Since(s.startedAt)
	status := corehealth.Status{
		Service:     s.meta.Service,
		Version:     s.meta.Version,
		Environment: s.meta.Environment,
		Source:      s.meta.Source,
		RunID:       s.meta.RunID,
		Status:      corehealth.StatusUp,
		StartedAt:   s.startedAt,
		Uptime:      uptime.Truncate(time.Second).String(),
		UptimeSecs:  int64(uptime.Seconds()),
	}

	for _, check := range s.checks {
		dep := corehealth.Dependency{Name: check.Name, Status: corehealth.StatusUp}
		probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := check.Probe(probeCtx); err != nil {
			dep.Status = corehealth.StatusDegraded
			dep.Error = err.Error()
			status.Status = corehealth.StatusDegraded
		}
		cancel()
		status.Dependencies = append(status.Dependencies, dep)
	}
	return status
}
