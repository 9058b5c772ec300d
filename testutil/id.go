package testutil

import "sync"

type Gen interface {
	New() string
}

// IDGen wraps another generator but remembers the last ID that was
// generated in order to make assertions.
type IDGen struct {
	gen Gen

	mu  sync.Mutex
	ids []string
}

// New implements the id.ID interface.
func (s *IDGen) New() string {
	id := s.gen.New()
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
	return id
}

// Last returns the last ID that was generated.
func (s *IDGen) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return ""
	}
	return s.ids[len(s.ids)-1]
}

// All returns every ID generated so far, oldest first.
func (s *IDGen) All() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func NewIDGen(gen Gen) *IDGen {
	return &IDGen{
		gen: gen,
	}
}
