package ua

import (
	"sync"
)

// Store - таблицы регистраций (по URI) и вызовов (по Call-ID) одного UserAgent.
// Пишут в него только задачи очереди UA, читать можно из любых горутин.
type Store struct {
	calls *sync.Map
	regs  *sync.Map

	// порядок регистрации локальных URI
	mu    sync.RWMutex
	order []string
}

// NewStore создает пустое хранилище
func NewStore() *Store {
	return &Store{
		calls: new(sync.Map),
		regs:  new(sync.Map),
	}
}

// Call возвращает вызов по Call-ID
func (s *Store) Call(callID string) (*CallSession, bool) {
	if v, ok := s.calls.Load(callID); ok {
		return v.(*CallSession), true
	}
	return nil, false
}

// Calls возвращает снимок активных вызовов
func (s *Store) Calls() []*CallSession {
	var out []*CallSession
	s.calls.Range(func(_, v any) bool {
		out = append(out, v.(*CallSession))
		return true
	})
	return out
}

func (s *Store) putCall(c *CallSession) {
	s.calls.Store(c.id, c)
}

func (s *Store) deleteCall(callID string) {
	s.calls.Delete(callID)
}

// IsLocal сообщает, зарегистрирован ли URI как локальная идентичность
func (s *Store) IsLocal(uri string) bool {
	u, err := parseURI(uri)
	if err != nil {
		return false
	}
	_, ok := s.regs.Load(uriKey(u))
	return ok
}

// LocalURIs возвращает зарегистрированные URI в порядке добавления
func (s *Store) LocalURIs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, key := range s.order {
		if v, ok := s.regs.Load(key); ok {
			out = append(out, v.(*registrationSession).reg.URI)
		}
	}
	return out
}

func (s *Store) registration(key string) (*registrationSession, bool) {
	if v, ok := s.regs.Load(key); ok {
		return v.(*registrationSession), true
	}
	return nil, false
}

func (s *Store) registrations() []*registrationSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*registrationSession, 0, len(s.order))
	for _, key := range s.order {
		if v, ok := s.regs.Load(key); ok {
			out = append(out, v.(*registrationSession))
		}
	}
	return out
}

func (s *Store) putRegistration(rs *registrationSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, loaded := s.regs.LoadOrStore(rs.key, rs); !loaded {
		s.order = append(s.order, rs.key)
	}
}

func (s *Store) deleteRegistration(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs.Delete(key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
