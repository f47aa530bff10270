package membership

import "time"

// FailureDetector tracks the last heartbeat per peer and turns silence
// into a suspicion level. Higher means more likely failed.
type FailureDetector interface {
	Observe(id string, t time.Time) // called on any inbound traffic
	Phi(id string, now time.Time) float64
	Remove(id string)
}

// TimeoutDetector is a plain heartbeat-timeout detector: Phi is the time
// since the last observation measured in units of Unit.
type TimeoutDetector struct {
	Unit time.Duration
	last map[string]time.Time
}

func NewTimeoutDetector(unit time.Duration) *TimeoutDetector {
	return &TimeoutDetector{Unit: unit, last: make(map[string]time.Time)}
}

func (d *TimeoutDetector) Observe(id string, t time.Time) {
	if prev, ok := d.last[id]; ok && prev.After(t) {
		return
	}
	d.last[id] = t
}

// Phi returns 0 for peers that were never observed.
func (d *TimeoutDetector) Phi(id string, now time.Time) float64 {
	t, ok := d.last[id]
	if !ok || d.Unit <= 0 {
		return 0
	}
	silence := now.Sub(t)
	if silence <= 0 {
		return 0
	}
	return float64(silence) / float64(d.Unit)
}

func (d *TimeoutDetector) Remove(id string) {
	delete(d.last, id)
}
