package metrics

import (
	"fmt"
	"sync"
)

// Metrics counts routing outcomes for the /stats endpoint.
type Metrics struct {
	mu         sync.Mutex
	delivered  int
	forwarded  int
	duplicates int
	invalid    int
	dropped    int
	reaped     int
}

func New() *Metrics { return &Metrics{} }

func (m *Metrics) IncDelivered() { m.mu.Lock(); m.delivered++; m.mu.Unlock() }
func (m *Metrics) IncForwarded() { m.mu.Lock(); m.forwarded++; m.mu.Unlock() }
func (m *Metrics) IncDuplicate() { m.mu.Lock(); m.duplicates++; m.mu.Unlock() }
func (m *Metrics) IncInvalid()   { m.mu.Lock(); m.invalid++; m.mu.Unlock() }
func (m *Metrics) IncDropped()   { m.mu.Lock(); m.dropped++; m.mu.Unlock() }
func (m *Metrics) IncReaped()    { m.mu.Lock(); m.reaped++; m.mu.Unlock() }

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Delivered:  m.delivered,
		Forwarded:  m.forwarded,
		Duplicates: m.duplicates,
		Invalid:    m.invalid,
		Dropped:    m.dropped,
		Reaped:     m.reaped,
	}
}

// Snapshot is the JSON shape served on /stats.
type Snapshot struct {
	Delivered  int `json:"delivered"`
	Forwarded  int `json:"forwarded"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
	Dropped    int `json:"dropped"`
	Reaped     int `json:"reaped"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("delivered=%d forwarded=%d duplicates=%d invalid=%d dropped=%d reaped=%d",
		s.Delivered, s.Forwarded, s.Duplicates, s.Invalid, s.Dropped, s.Reaped)
}
