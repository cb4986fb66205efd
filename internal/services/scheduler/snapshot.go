package scheduler

import (
	"sort"
	"time"
)

// Entry is one connector's position in the schedule.
type Entry struct {
	Connector string    `json:"connector"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run"`
}

// Snapshot is a point-in-time view of the scheduler for status queries.
type Snapshot struct {
	Running      bool          `json:"running"`
	PollInterval time.Duration `json:"poll_interval"`
	Entries      []Entry       `json:"entries"`
}

func (s *Service) SnapshotNow() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running:      s.running,
		PollInterval: s.set.PollInterval,
		Entries:      make([]Entry, 0, len(s.nextRuns)),
	}
	for name, next := range s.nextRuns {
		def, _ := s.reg.Resolve(name)
		snap.Entries = append(snap.Entries, Entry{
			Connector: name,
			Schedule:  def.Schedule,
			NextRun:   next,
		})
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Connector < snap.Entries[j].Connector
	})
	return snap
}
