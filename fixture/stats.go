package fixture

import (
	"maps"

	"github.com/andreyvit/tnt/iproto"
)

// Stats counts the requests a server has received.
type Stats struct {
	Requests map[iproto.Code]int
	Selects  map[uint32]int // by space id
	Writes   map[uint32]int // by space id
}

func newStats() Stats {
	return Stats{
		Requests: make(map[iproto.Code]int),
		Selects:  make(map[uint32]int),
		Writes:   make(map[uint32]int),
	}
}

// Stats returns a snapshot of the request counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Requests: maps.Clone(s.stats.Requests),
		Selects:  maps.Clone(s.stats.Selects),
		Writes:   maps.Clone(s.stats.Writes),
	}
}

func (s *Server) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = newStats()
}

// SchemaReloads is the number of selects on _vspace.
func (st Stats) SchemaReloads() int {
	return st.Selects[iproto.SpaceVSpace]
}
