package sensor

import (
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/boiler/reading"
)

// Mock is in-memory Driver for tests and running without sensor hardware.
type Mock struct {
	mu         sync.Mutex
	values     map[reading.SensorID]float64
	scanned    []reading.SensorID
	ScanErr    error
	ConvertErr error
	ReadErr    error
	Converts   int
}

var _ Driver = &Mock{}

func NewMock(values map[reading.SensorID]float64) *Mock {
	m := &Mock{values: make(map[reading.SensorID]float64, len(values))}
	for id, v := range values {
		m.values[id] = v
	}
	return m
}

func (m *Mock) Set(id reading.SensorID, v float64) {
	m.mu.Lock()
	m.values[id] = v
	m.mu.Unlock()
}

func (m *Mock) Remove(id reading.SensorID) {
	m.mu.Lock()
	delete(m.values, id)
	m.mu.Unlock()
}

func (m *Mock) Scan() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ScanErr != nil {
		return 0, m.ScanErr
	}
	m.scanned = m.scanned[:0]
	for id := range m.values {
		m.scanned = append(m.scanned, id)
	}
	sort.Slice(m.scanned, func(i, j int) bool { return m.scanned[i] < m.scanned[j] })
	return len(m.scanned), nil
}

func (m *Mock) ConvertAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Converts++
	return m.ConvertErr
}

func (m *Mock) AddressOf(index int) (reading.SensorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.scanned) {
		return 0, errors.NotFoundf("sensor index=%d scanned=%d", index, len(m.scanned))
	}
	return m.scanned[index], nil
}

func (m *Mock) Read(id reading.SensorID) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	v, ok := m.values[id]
	if !ok {
		return 0, errors.NotFoundf("sensor addr=%s", id)
	}
	return v, nil
}
