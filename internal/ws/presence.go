package ws

import "sync"

// Presence tracks which users currently hold at least one live session. The
// set is derived entirely from session connect/disconnect; nothing here is
// persisted. Watchers are sessions that asked about a user via
// check_user_status and therefore receive that user's connect/disconnect
// pushes even without a shared room.
type Presence struct {
	mu       sync.Mutex
	online   map[int]int // userID -> live session count
	watchers map[int]map[*session]struct{}
}

func NewPresence() *Presence {
	return &Presence{
		online:   make(map[int]int),
		watchers: make(map[int]map[*session]struct{}),
	}
}

// connect records a new session and reports whether the user just came online.
func (p *Presence) connect(userID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return p.online[userID] == 1
}

// disconnect records a closed session and reports whether the user just went
// offline.
func (p *Presence) disconnect(userID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := p.online[userID]
	if count <= 1 {
		delete(p.online, userID)
		return count == 1
	}
	p.online[userID] = count - 1
	return false
}

// IsOnline reports whether at least one live session exists for userID.
func (p *Presence) IsOnline(userID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID] > 0
}

func (p *Presence) watch(userID int, s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.watchers[userID]
	if !ok {
		set = make(map[*session]struct{})
		p.watchers[userID] = set
	}
	set[s] = struct{}{}
}

func (p *Presence) unwatchAll(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, set := range p.watchers {
		delete(set, s)
		if len(set) == 0 {
			delete(p.watchers, userID)
		}
	}
}

func (p *Presence) watchersOf(userID int) []*session {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions := make([]*session, 0, len(p.watchers[userID]))
	for s := range p.watchers[userID] {
		sessions = append(sessions, s)
	}
	return sessions
}
