package models

import "time"

// Heartbeat is the row a worker publishes every ≤5s (spec §4.2 step 1) and
// the reaper scans for staleness (spec §4.3).
type Heartbeat struct {
	WorkerID   string    `json:"worker_id" db:"worker_id"`
	LastPing   time.Time `json:"last_ping" db:"last_ping"`
	Tags       []string  `json:"tags" db:"-"`
	MemoryKB   int64     `json:"memory_kb" db:"memory_kb"`
	Occupancy  float64   `json:"occupancy" db:"occupancy"`
}

// HeartbeatGrace is the staleness window the reaper applies before treating
// a worker as disappeared (spec §4.3). Distinct from the trigger lease's
// StalenessWindow, but the same order of magnitude by design.
const HeartbeatGrace = 15 * time.Second

// Stale reports whether this heartbeat's last_ping is older than the grace
// window as of now.
func (h *Heartbeat) Stale(now time.Time) bool {
	return h.LastPing.Before(now.Add(-HeartbeatGrace))
}
