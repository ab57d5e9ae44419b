package transport

import (
	"sync"

	"github.com/pkg/errors"
)

// PortTable tracks the ports handed out inside this process.
type PortTable struct {
	table map[uint16]struct{}
	mu    sync.Mutex

	ephemeral  [2]uint16 // start, end
	rand       func() uint16
	probe      func(port uint16) bool
	maxRandTry uint
}

type EphemeralPortOptions struct {
	Range  [2]uint16 // [start, end)
	Rand   func() uint16
	MaxTry uint

	// Probe reports whether port is free outside of the table.
	// Nil accepts every candidate.
	Probe func(port uint16) bool
}

func (o EphemeralPortOptions) validate() error {
	if o.Range[0] > o.Range[1] {
		return errors.Errorf("end(%d) must be greater or equal than start(%d)", o.Range[1], o.Range[0])
	}
	if o.Rand == nil {
		return errors.New("rand function must be provided")
	}
	return nil
}

func NewPortTable(opts EphemeralPortOptions) *PortTable {
	if err := opts.validate(); err != nil {
		panic(err)
	}

	return &PortTable{
		table:      make(map[uint16]struct{}),
		ephemeral:  opts.Range,
		rand:       opts.Rand,
		probe:      opts.Probe,
		maxRandTry: opts.MaxTry,
	}
}

// Occupy marks port as used. Port 0 picks a free one from the ephemeral range.
// The returned release must be called once the port is no longer needed.
func (p *PortTable) Occupy(port uint16) (ok bool, result uint16, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port == 0 {
		return p.occupyEphemeralLocked()
	}

	if ok, release := p.occupyLocked(port); ok {
		return true, port, release
	}

	return false, 0, nil
}

// InUse returns the number of occupied ports.
func (p *PortTable) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.table)
}

func (p *PortTable) occupyEphemeralLocked() (ok bool, port uint16, release func()) {
	for try := uint(0); try < p.maxRandTry; try++ {
		port := p.selectEphemeral()

		if port == 0 {
			continue
		}
		if _, found := p.table[port]; found {
			continue
		}
		if p.probe != nil && !p.probe(port) {
			continue
		}

		if ok, release := p.occupyLocked(port); ok {
			return true, port, release
		}
	}

	return false, 0, nil
}

func (p *PortTable) occupyLocked(port uint16) (ok bool, release func()) {
	if _, found := p.table[port]; found {
		return false, nil
	}

	p.table[port] = struct{}{}

	var once sync.Once
	release = func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.table, port)
		})
	}

	return true, release
}

func (p *PortTable) selectEphemeral() uint16 {
	gap := p.ephemeral[1] - p.ephemeral[0]
	if gap == 0 {
		return 0
	}
	selected := p.ephemeral[0] + (p.rand() % gap)
	return selected
}
