package micdma

import (
	"sync"

	"github.com/pkg/errors"
)

// Manager hands out one shared Context per device number. The context is built on the first Open of a
// device and torn down when the last opener closes it.
type Manager struct {
	cfg *Config

	mu      sync.Mutex
	devices map[int]*deviceSlot
}

type deviceSlot struct {
	mu   sync.Mutex // serializes open and close of one device
	ctx  *Context
	refs int
}

// NewManager returns a Manager that builds contexts from cfg. A nil cfg uses the host defaults.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		var err error
		if cfg, err = NewConfig(OwnerHost); err != nil {
			return nil, errors.Wrap(err, "NewManager")
		}
	}
	return &Manager{cfg: cfg, devices: make(map[int]*deviceSlot)}, nil
}

func (m *Manager) slot(deviceNum int) *deviceSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.devices[deviceNum]
	if !ok {
		s = &deviceSlot{}
		m.devices[deviceNum] = s
	}
	return s
}

// Open returns the context of deviceNum, building it on dev when the device is not open yet. Every successful
// Open needs a matching Close.
func (m *Manager) Open(deviceNum int, dev Device) (*Context, error) {
	m.cfg.mu.Lock()
	maxDevices := m.cfg.maxDevices
	m.cfg.mu.Unlock()
	if deviceNum < 0 || deviceNum >= maxDevices {
		return nil, errors.Wrapf(ErrWrongDevice, "open device %d", deviceNum)
	}

	s := m.slot(deviceNum)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		if dev == nil {
			return nil, errors.Wrapf(ErrNoDevice, "open device %d", deviceNum)
		}
		dc, err := newContext(deviceNum, dev, m.cfg.acquire())
		if err != nil {
			m.cfg.release()
			return nil, errors.Wrap(err, "open")
		}
		s.ctx = dc
	}
	s.refs++
	return s.ctx, nil
}

// Close drops one reference to dc. The last Close drains every channel and frees the context.
func (m *Manager) Close(dc *Context) error {
	if dc == nil {
		return errors.Wrap(ErrInvalid, "close")
	}
	s := m.slot(dc.deviceNum)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != dc || s.refs == 0 {
		return errors.Wrapf(ErrWrongDevice, "close device %d", dc.deviceNum)
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	dc.teardown(true)
	s.ctx = nil
	m.cfg.release()
	return nil
}

// Refs returns the number of open references to deviceNum.
func (m *Manager) Refs(deviceNum int) int {
	s := m.slot(deviceNum)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
