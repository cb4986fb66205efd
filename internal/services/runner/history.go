package runner

import "sync"

// History keeps the most recent job records in a bounded ring.
// The oldest record is evicted when the cap is exceeded; a total
// counter survives eviction so completion counts stay accurate.
type History struct {
	mu      sync.Mutex
	records []JobRecord
	max     int
	total   uint64
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = 100
	}
	return &History{max: max, records: make([]JobRecord, 0, max)}
}

func (h *History) Append(rec JobRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	if len(h.records) >= h.max {
		copy(h.records, h.records[1:])
		h.records = h.records[:len(h.records)-1]
	}
	h.records = append(h.records, rec)
}

// Recent returns up to n records, oldest first, most recent last.
// n <= 0 returns everything retained.
func (h *History) Recent(n int) []JobRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]JobRecord, n)
	copy(out, h.records[len(h.records)-n:])
	return out
}

// Total is the number of records ever appended, including evicted ones.
func (h *History) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
