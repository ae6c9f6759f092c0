// Package reading keeps the last sampled value of each temperature sensor.
// Written once per cycle by sensor acquisition, read once per session by the codec.
package reading

import (
	"fmt"
	"sort"
	"sync"
)

// SensorID is the 64-bit bus address of a sensor.
type SensorID uint64

func (id SensorID) String() string { return fmt.Sprintf("%016X", uint64(id)) }

type Reading struct {
	ID    SensorID
	Value float64
}

// Source is read side of Store, enough for request codec.
type Source interface {
	Each(func(Reading) bool)
	Len() int
}

type Store struct {
	mu sync.RWMutex
	m  map[SensorID]float64
}

var _ Source = &Store{}

func NewStore() *Store {
	return &Store{m: make(map[SensorID]float64, 8)}
}

// Set overwrites value of sensor id.
func (s *Store) Set(id SensorID, value float64) {
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[SensorID]float64, 8)
	}
	s.m[id] = value
	s.mu.Unlock()
}

func (s *Store) Get(id SensorID) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[id]
	return v, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Snapshot returns all readings ordered by sensor id.
func (s *Store) Snapshot() []Reading {
	s.mu.RLock()
	rs := make([]Reading, 0, len(s.m))
	for id, v := range s.m {
		rs = append(rs, Reading{ID: id, Value: v})
	}
	s.mu.RUnlock()
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	return rs
}

// Each calls f for every reading in ascending id order until f returns false.
// Iteration works on a snapshot, so f may call Set.
// Each call starts from the beginning.
func (s *Store) Each(f func(Reading) bool) {
	for _, r := range s.Snapshot() {
		if !f(r) {
			return
		}
	}
}
