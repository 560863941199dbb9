// Package clusterhealth keeps a per-node record of how each node's last
// reboot went, so operators and gates can see which nodes are degraded.
package clusterhealth

import (
	"context"
	"time"
)

// Report captures why a node is being marked unhealthy.
type Report struct {
	// Stage is the reboot phase that failed, e.g. "pre-reboot".
	Stage    string
	Strategy string
	Reason   string
}

// Record represents the persisted health state for a node in the cluster.
type Record struct {
	Node       string
	Healthy    bool
	Stage      string
	Strategy   string
	Reason     string
	ReportedAt time.Time
}

// Manager persists health records for the nodes that go through the reboot
// lock.
type Manager interface {
	// ReportHealthy records that node completed its reboot.
	ReportHealthy(ctx context.Context, node string) error
	// ReportUnhealthy stores an unhealthy marker for node together with the
	// report metadata.
	ReportUnhealthy(ctx context.Context, node string, report Report) error
	// Status returns the last reported record for every known node. Callers
	// are expected to treat the returned slice as read-only.
	Status(ctx context.Context) ([]Record, error)
}

// Unhealthy filters records down to the unhealthy ones.
func Unhealthy(records []Record) []Record {
	var out []Record
	for _, rec := range records {
		if !rec.Healthy {
			out = append(out, rec)
		}
	}
	return out
}
