package state

import (
	"math"
	"slices"
	"time"
)

// LinkMetric estimates a stable round-trip latency for one link.
// Raw samples are smoothed with an EWMA and then windowed; the published
// value only moves when the median leaves the trimmed sample range, which
// keeps noisy measurements from flapping routes.
type LinkMetric struct {
	history    []time.Duration
	histSort   []time.Duration
	dirty      bool
	prevMedian time.Duration
	lastHeard  time.Time
	expRTT     float64
}

func NewLinkMetric() *LinkMetric {
	return &LinkMetric{
		history: make([]time.Duration, 0),
		expRTT:  math.Inf(1),
	}
}

func (m *LinkMetric) IsActive(now time.Time) bool {
	return now.Sub(m.lastHeard) <= LinkDeadThreshold
}

func (m *LinkMetric) Renew(now time.Time) {
	if !m.IsActive(now) {
		m.history = m.history[:0]
		m.expRTT = math.Inf(1)
		m.dirty = true
	}
	m.lastHeard = now
}

func (m *LinkMetric) UpdateRtt(now time.Time, rtt time.Duration) {
	// sometimes the system clock is not fast enough, so rtt is 0
	if rtt == 0 {
		rtt = time.Microsecond * 100
	}
	m.Renew(now)

	f := float64(rtt)
	alpha := 0.0836
	if m.expRTT == math.Inf(1) {
		m.expRTT = f
	}
	m.expRTT = alpha*f + (1-alpha)*m.expRTT
	m.history = append(m.history, m.FilteredRtt())
	if len(m.history) > WindowSamples {
		m.history = m.history[1:]
	}
	m.dirty = true
}

func (m *LinkMetric) FilteredRtt() time.Duration {
	if m.expRTT == math.Inf(1) {
		return 0
	}
	return time.Duration(int64(m.expRTT))
}

func (m *LinkMetric) calcR() (time.Duration, time.Duration, time.Duration) {
	if len(m.history) < MinimumConfidenceWindow {
		return time.Second * 10, time.Second * 10, time.Second * 10
	}
	if m.dirty {
		m.histSort = slices.Clone(m.history)
		slices.Sort(m.histSort)
		m.dirty = false
	}
	le := len(m.histSort)
	low := m.histSort[int(float64(le)*OutlierPercentage)]
	high := m.histSort[int(float64(le)*(1-OutlierPercentage))]
	med := m.histSort[le/2]
	return low, med, high
}

// StabilizedRtt holds the previous median until it falls outside the
// trimmed range of recent samples.
func (m *LinkMetric) StabilizedRtt() time.Duration {
	l, med, h := m.calcR()
	if l > m.prevMedian || h < m.prevMedian {
		m.prevMedian = med
	}
	return m.prevMedian
}

// Cost combines the transport reliability class with measured latency.
// A dead link costs INF.
func (m *LinkMetric) Cost(now time.Time, kind TransportKind) uint32 {
	if !m.IsActive(now) {
		return INF
	}
	lat := uint64(m.StabilizedRtt().Microseconds() / 100)
	c := uint64(kind.BaseCost()) + lat
	if c >= uint64(INF) {
		return INF - 1
	}
	return uint32(c)
}

// CostChanged reports whether a newly computed cost differs from the last
// advertised one by more than the hysteresis threshold.
func CostChanged(old, new uint32, hysteresis uint32) bool {
	if old == new {
		return false
	}
	if old == INF || new == INF {
		return true
	}
	var diff uint32
	if old > new {
		diff = old - new
	} else {
		diff = new - old
	}
	return diff > hysteresis
}
