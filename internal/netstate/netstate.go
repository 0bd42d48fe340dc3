// Package netstate models device connectivity: the current network info,
// airplane mode, and a subscription for changes.
package netstate

import (
	"strings"
	"sync"
)

// Type is the kind of active network.
type Type string

const (
	TypeUnknown  Type = "unknown"
	TypeWiFi     Type = "wifi"
	TypeEthernet Type = "ethernet"
	Type4G       Type = "4g"
	Type3G       Type = "3g"
	Type2G       Type = "2g"
)

// ParseType maps a free-form name onto a Type.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wifi", "wimax":
		return TypeWiFi
	case "ethernet":
		return TypeEthernet
	case "4g", "lte":
		return Type4G
	case "3g", "umts", "hspa":
		return Type3G
	case "2g", "edge", "gprs":
		return Type2G
	default:
		return TypeUnknown
	}
}

// DefaultWorkers is the pool size used when the network type is unknown.
const DefaultWorkers = 3

// SuggestedWorkers sizes the worker pool for the network bandwidth.
func (t Type) SuggestedWorkers() int {
	switch t {
	case TypeWiFi, TypeEthernet:
		return 4
	case Type4G:
		return 3
	case Type3G:
		return 2
	case Type2G:
		return 1
	default:
		return DefaultWorkers
	}
}

// Info is a connectivity snapshot.
type Info struct {
	Connected bool `json:"connected"`
	Type      Type `json:"type"`
}

// Listener receives connectivity events.
type Listener interface {
	NetworkStateChanged(Info)
	AirplaneModeChanged(enabled bool)
}

// Provider reports connectivity and notifies subscribers on change.
type Provider interface {
	Current() Info
	AirplaneMode() bool
	Subscribe(Listener) (unsubscribe func())
}

// Manual is a Provider driven by explicit Set calls. It backs tests and the
// admin endpoints that simulate connectivity changes.
type Manual struct {
	mu        sync.Mutex
	info      Info
	airplane  bool
	listeners map[int]Listener
	nextID    int
}

// NewManual starts with the given state.
func NewManual(info Info) *Manual {
	if info.Type == "" {
		info.Type = TypeUnknown
	}
	return &Manual{info: info, listeners: make(map[int]Listener)}
}

func (m *Manual) Current() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

func (m *Manual) AirplaneMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.airplane
}

func (m *Manual) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SetInfo records info and notifies listeners when it differs.
func (m *Manual) SetInfo(info Info) {
	if info.Type == "" {
		info.Type = TypeUnknown
	}
	m.mu.Lock()
	if m.info == info {
		m.mu.Unlock()
		return
	}
	m.info = info
	listeners := m.snapshot()
	m.mu.Unlock()
	for _, l := range listeners {
		l.NetworkStateChanged(info)
	}
}

// SetAirplaneMode records the flag and notifies listeners when it changes.
func (m *Manual) SetAirplaneMode(enabled bool) {
	m.mu.Lock()
	if m.airplane == enabled {
		m.mu.Unlock()
		return
	}
	m.airplane = enabled
	listeners := m.snapshot()
	m.mu.Unlock()
	for _, l := range listeners {
		l.AirplaneModeChanged(enabled)
	}
}

func (m *Manual) snapshot() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}
