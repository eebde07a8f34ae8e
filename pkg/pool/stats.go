package pool

import (
	"sort"

	"github.com/ajitpratap0/txpool/pkg/metrics"
)

// Stats is a point-in-time view of a pool
type Stats struct {
	Name           string           `json:"name"`
	MinSize        int              `json:"min_size"`
	MaxSize        int              `json:"max_size"`
	Total          int              `json:"total"`
	Idle           int              `json:"idle"`
	InUse          int              `json:"in_use"`
	Waiters        int              `json:"waiters"`
	TotalBorrowed  uint64           `json:"total_borrowed"`
	TotalTimedOut  uint64           `json:"total_timed_out"`
	TotalCreated   uint64           `json:"total_created"`
	TotalDestroyed uint64           `json:"total_destroyed"`
	Partitions     []PartitionStats `json:"partitions"`
}

// Stats collects the current sizes of every partition
func (p *Pool) Stats() Stats {
	cfg := p.Config()
	s := Stats{
		Name:           p.name,
		MinSize:        cfg.MinSize,
		MaxSize:        cfg.MaxSize,
		TotalBorrowed:  p.borrowed.Load(),
		TotalTimedOut:  p.timedOut.Load(),
		TotalCreated:   p.created.Load(),
		TotalDestroyed: p.removed.Load(),
	}
	for _, part := range p.snapshot() {
		ps := part.stats()
		s.Total += ps.Total
		s.Idle += ps.Idle
		s.InUse += ps.InUse
		s.Waiters += ps.Waiters
		s.Partitions = append(s.Partitions, ps)
	}
	sort.Slice(s.Partitions, func(i, j int) bool { return s.Partitions[i].Key < s.Partitions[j].Key })
	return s
}

// PartitionCount returns how many partitions have been created
func (p *Pool) PartitionCount() int {
	p.partsMu.Lock()
	defer p.partsMu.Unlock()
	return len(p.partitions)
}

// Snapshot adapts Stats for the metrics collector
func (p *Pool) Snapshot() metrics.Snapshot {
	s := p.Stats()
	return metrics.Snapshot{
		Pool:       s.Name,
		Total:      s.Total,
		Idle:       s.Idle,
		InUse:      s.InUse,
		Waiters:    s.Waiters,
		MaxSize:    s.MaxSize,
		Partitions: len(s.Partitions),
	}
}
