package health

import "time"

// Status values.
const (
	StatusUp       = "UP"
	StatusDegraded = "DEGRADED"
)

// Dependency is the result of probing one backing service.
type Dependency struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Status captures the state of the harvester at a moment in time.
type Status struct {
	Service      string       `json:"service"`
	Version      string       `json:"version"`
	Environment  string       `json:"environment"`
	Source       string       `json:"source"`
	RunID        string       `json:"runId"`
	Status       string       `json:"status"`
	StartedAt    time.Time    `json:"startedAt"`
	Uptime       string       `json:"uptime"`
	UptimeSecs   int64        `json:"uptimeSeconds"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}
