package vector

import (
	"time"

	"github.com/lazypower/cogmem/internal/memerr"
)

// SweepResult counts tier moves made by one sweep.
type SweepResult struct {
	Promoted int
	Demoted  int
}

func (s *Store) capacity(t Tier) int {
	switch t {
	case Hot:
		return s.cfg.HotCapacity
	case Warm:
		return s.cfg.WarmCapacity
	}
	return 0 // cold is unbounded
}

// makeRoom ensures tier t can accept one more record, demoting the least
// recently accessed records downward when eviction is "lru". Caller holds mu.
func (s *Store) makeRoom(t Tier) error {
	limit := s.capacity(t)
	if limit <= 0 || len(s.tiers[t]) < limit {
		return nil
	}
	if s.cfg.Eviction != "lru" {
		return &memerr.CapacityError{Tier: t.String(), Capacity: limit}
	}

	victim := s.leastRecent(t)
	if victim == nil {
		return nil
	}
	if err := s.makeRoom(t + 1); err != nil {
		return err
	}
	s.move(victim, t+1)
	s.logger.Debug("evicted", "id", victim.id, "from", t.String(), "to", (t + 1).String())
	return nil
}

func (s *Store) leastRecent(t Tier) *entry {
	var victim *entry
	var oldest int64
	for id := range s.tiers[t] {
		e := s.records[id]
		la := e.lastAccess.Load()
		if victim == nil || la < oldest || (la == oldest && e.id < victim.id) {
			victim, oldest = e, la
		}
	}
	return victim
}

func (s *Store) move(e *entry, to Tier) {
	delete(s.tiers[e.tier], e.id)
	e.tier = to
	s.tiers[to][e.id] = struct{}{}
}

// Sweep applies tier policy at time now. A record accessed at least
// PromoteAccesses times since the previous sweep moves up one tier; a record
// idle longer than HotIdle leaves hot, and one idle longer than WarmIdle
// goes cold. The per-record access window resets on every sweep.
func (s *Store) Sweep(now time.Time) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	if s.readOnly {
		return res
	}

	for _, e := range s.records {
		recent := e.window.Swap(0)
		idle := now.Sub(e.lastAccessed())

		if recent >= int64(s.cfg.PromoteAccesses) && e.tier > Hot {
			target := e.tier - 1
			if s.makeRoom(target) == nil {
				s.move(e, target)
				res.Promoted++
			}
			continue
		}

		switch {
		case e.tier != Cold && idle > s.cfg.WarmIdle:
			s.move(e, Cold)
			res.Demoted++
		case e.tier == Hot && idle > s.cfg.HotIdle:
			target := Warm
			if s.makeRoom(Warm) != nil {
				target = Cold
			}
			s.move(e, target)
			res.Demoted++
		}
	}

	if res.Promoted > 0 || res.Demoted > 0 {
		s.logger.Debug("tier sweep", "promoted", res.Promoted, "demoted", res.Demoted)
	}
	return res
}
