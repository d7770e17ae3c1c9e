// Package health reports runtime health and deploy-time compliance.
package health

import (
	"sort"
	"time"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	// StatusDisabled is reported for switched-off platforms and counts as healthy.
	StatusDisabled Status = "disabled"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

func worst(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Check is one sub-check result.
type Check struct {
	Name       string         `json:"name"`
	Platform   string         `json:"platform,omitempty"`
	Status     Status         `json:"status"`
	Message    string         `json:"message"`
	DurationMS float64        `json:"durationMs"`
	Details    map[string]any `json:"details,omitempty"`
}

type Report struct {
	Status      Status            `json:"status"`
	Environment string            `json:"environment"`
	CheckedAt   time.Time         `json:"checkedAt"`
	Platforms   map[string]Status `json:"platforms"`
	Checks      []Check           `json:"checks"`
}

// Check returns the named sub-check.
func (r Report) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

type QueueSummary struct {
	entity.Stats
	SuccessRate float64 `json:"successRate"`
}

type HealthSnapshot struct {
	Report
	Queue *QueueSummary `json:"queue,omitempty"`
}

type ComplianceReport struct {
	Report
}

// aggregate folds checks into the overall and per-platform status.
func aggregate(r *Report, checks []Check, enabled map[string]bool) {
	sort.SliceStable(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	r.Checks = checks
	r.Status = StatusHealthy
	r.Platforms = map[string]Status{}
	for name, on := range enabled {
		if on {
			r.Platforms[name] = StatusHealthy
		} else {
			r.Platforms[name] = StatusDisabled
		}
	}
	for _, c := range checks {
		r.Status = worst(r.Status, c.Status)
		if c.Platform == "" || !enabled[c.Platform] {
			continue
		}
		r.Platforms[c.Platform] = worst(r.Platforms[c.Platform], c.Status)
	}
}
