package broadcast

import (
	"sort"
	"time"
)

const (
	// Job statuses are kept in memory; bound them.
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// pruneStatus drops finished jobs older than the TTL, then the oldest
// finished jobs while over the cap. Unfinished jobs are never dropped so
// Wait callers are not orphaned.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	max := s.statusMax
	if max <= 0 {
		max = defaultStatusMax
	}
	ttl := s.statusTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	finished := make([]*jobState, 0, len(s.status))
	for id, st := range s.status {
		if !st.Finished() {
			continue
		}
		if now.Sub(st.DoneAt) > ttl {
			delete(s.status, id)
			continue
		}
		finished = append(finished, st)
	}
	excess := len(s.status) - max
	if excess <= 0 {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].DoneAt.Before(finished[j].DoneAt) })
	for i := 0; i < excess && i < len(finished); i++ {
		delete(s.status, finished[i].ID)
	}
}
