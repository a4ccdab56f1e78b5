// ABOUTME: Round-robin worker selection with independent rotations per tag.
// ABOUTME: Workers new to a tag win immediately; otherwise the least recently selected wins.

package cluster

import "time"

// RoundRobin selects the registered worker least recently selected under tag
// and records the selection. Workers never selected under tag are preferred
// over all others, earliest forked first. Returns ErrNoWorkers when the
// registry is empty.
func (p *Primary) RoundRobin(tag string) (*WorkerHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) == 0 {
		return nil, ErrNoWorkers
	}

	stamps, ok := p.rotations[tag]
	if !ok {
		stamps = make(map[int]time.Time)
		p.rotations[tag] = stamps
	}
	p.pruneLocked(stamps)

	var (
		chosen *WorkerHandle
		oldest time.Time
	)
	for _, h := range p.workers {
		stamp, seen := stamps[h.ID]
		if !seen {
			chosen = h
			break
		}
		if chosen == nil || stamp.Before(oldest) {
			chosen = h
			oldest = stamp
		}
	}

	stamps[chosen.ID] = p.nextStampLocked()
	return chosen, nil
}

// nextStampLocked returns the current time, nudged forward so stamps are
// strictly increasing even on coarse clocks.
func (p *Primary) nextStampLocked() time.Time {
	now := time.Now()
	if !now.After(p.lastStamp) {
		now = p.lastStamp.Add(time.Nanosecond)
	}
	p.lastStamp = now
	return now
}

// pruneLocked drops stamps of workers no longer registered.
func (p *Primary) pruneLocked(stamps map[int]time.Time) {
	if len(stamps) <= len(p.workers) {
		return
	}
	for id := range stamps {
		if _, ok := p.byID[id]; !ok {
			delete(stamps, id)
		}
	}
}
