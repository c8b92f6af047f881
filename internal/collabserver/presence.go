package collabserver

import (
	"sync"
	"time"

	"github.com/citruslab/collab/pkg/models"
)

// Presence is the server's view of who is in each room. Entries that stop
// heartbeating are removed by Sweep.
type Presence struct {
	mu    sync.Mutex
	rooms map[string]*roomPresence
	now   func() time.Time
}

type roomPresence struct {
	order   []string
	entries map[string]models.Participant
}

// NewPresence creates an empty Presence.
func NewPresence() *Presence {
	return &Presence{rooms: make(map[string]*roomPresence), now: time.Now}
}

// Touch records p as active in room and reports whether it was absent.
func (p *Presence) Touch(room string, participant models.Participant) bool {
	key := models.NormalizeEmail(participant.Email)
	if key == "" {
		return false
	}
	participant.LastActive = p.now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()
	rp, ok := p.rooms[room]
	if !ok {
		rp = &roomPresence{entries: make(map[string]models.Participant)}
		p.rooms[room] = rp
	}
	prev, exists := rp.entries[key]
	if exists {
		if participant.Name == "" {
			participant.Name = prev.Name
		}
		if participant.Cursor == nil {
			participant.Cursor = prev.Cursor
		}
	} else {
		rp.order = append(rp.order, key)
	}
	rp.entries[key] = participant
	return !exists
}

// Remove drops email from room and reports whether it was present.
func (p *Presence) Remove(room, email string) bool {
	key := models.NormalizeEmail(email)
	p.mu.Lock()
	defer p.mu.Unlock()
	rp, ok := p.rooms[room]
	if !ok {
		return false
	}
	if _, ok := rp.entries[key]; !ok {
		return false
	}
	rp.drop(key)
	if len(rp.entries) == 0 {
		delete(p.rooms, room)
	}
	return true
}

// List returns room's participants in join order.
func (p *Presence) List(room string) []models.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []models.Participant{}
	if rp, ok := p.rooms[room]; ok {
		for _, key := range rp.order {
			out = append(out, rp.entries[key])
		}
	}
	return out
}

// Sweep removes participants not seen within ttl and returns them by room.
func (p *Presence) Sweep(ttl time.Duration) map[string][]models.Participant {
	cutoff := p.now().Add(-ttl)
	p.mu.Lock()
	defer p.mu.Unlock()

	stale := make(map[string][]models.Participant)
	for room, rp := range p.rooms {
		for _, key := range append([]string(nil), rp.order...) {
			entry := rp.entries[key]
			if entry.LastActive.Before(cutoff) {
				stale[room] = append(stale[room], entry)
				rp.drop(key)
			}
		}
		if len(rp.entries) == 0 {
			delete(p.rooms, room)
		}
	}
	return stale
}

func (rp *roomPresence) drop(key string) {
	delete(rp.entries, key)
	for i, k := range rp.order {
		if k == key {
			rp.order = append(rp.order[:i], rp.order[i+1:]...)
			break
		}
	}
}
