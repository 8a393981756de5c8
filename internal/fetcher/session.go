package fetcher

import (
	"context"
	"sync"
)

// session lazily connects on first use and can be reset, e.g. after the
// upstream rejected its credentials.
type session struct {
	mu      sync.Mutex
	connect func(ctx context.Context) (Session, error)
	cur     Session
}

func (s *session) get(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return s.cur, nil
	}
	sess, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.cur = sess
	return sess, nil
}

// reset drops stale if it is still the current session.
func (s *session) reset(stale Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur == stale {
		_ = s.cur.Close()
		s.cur = nil
	}
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}
