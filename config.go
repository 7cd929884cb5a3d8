package micdma

import (
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DerLukas15/micdma/ringmem"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the settings a Manager builds device contexts with.
/*
A Config describes one side of the link. Channels owned by that side get descriptor rings, the others stay
reserved for the peer.

Settings can not be changed while a device opened with the Config is still open. Close every device first.
*/
type Config struct {
	mu   sync.Mutex
	open int // devices currently opened with this config

	side Owner
	// Every blocking wait is bounded by timeout. Space waits add the time the transfer takes at slowestBandwidth.
	timeout      time.Duration
	pollInterval time.Duration
	// Bandwidth in MB/s a transfer is expected to reach at least
	slowestBandwidth uint32

	descRingSize    uint32
	pollRingSize    int
	intrRingSize    int
	maxTransferSize uint32

	// Mark waits that see hardware progress are retried at most fenceRetries times. 0 derives the limit from
	// ring size, transfer size and bandwidth.
	fenceRetries int
	// Teardown sleeps fenceDelay before the device is uninitialized so lingering waiters time out
	fenceDelay time.Duration
	// Interrupt callbacks running longer than callbackBudget are reported
	callbackBudget time.Duration

	maxDevices int

	logger    *logrus.Logger
	allocator ringmem.Allocator
	registry  metrics.Registry
}

// settings is the snapshot of a Config a Context works with
type settings struct {
	side             Owner
	timeout          time.Duration
	pollInterval     time.Duration
	slowestBandwidth uint32
	descRingSize     uint32
	pollRingSize     int
	intrRingSize     int
	maxTransferSize  uint32
	fenceRetries     int
	fenceDelay       time.Duration
	callbackBudget   time.Duration
	logger           *logrus.Logger
	allocator        ringmem.Allocator
	registry         metrics.Registry
}

// NewConfig returns a new Config for side.
/*
Default Timeout: 5s

Default SlowestBandwidth: 300 MB/s

Default MaxTransferSize: 512K on the host, 1M-64 on the card

Default ring sizes: MaxDescPerRing descriptors, as many polling slots, NumCompletionBufs interrupt slots
*/
func NewConfig(side Owner) (*Config, error) {
	c := &Config{
		side:             side,
		timeout:          5 * time.Second,
		pollInterval:     10 * time.Microsecond,
		slowestBandwidth: 300,
		descRingSize:     MaxDescPerRing,
		pollRingSize:     MaxDescPerRing,
		intrRingSize:     NumCompletionBufs,
		fenceDelay:       5 * time.Second,
		callbackBudget:   100 * time.Microsecond,
		maxDevices:       8,
		logger:           logrus.StandardLogger(),
	}
	switch side {
	case OwnerHost:
		c.maxTransferSize = HostMaxTransferSize
	case OwnerCard:
		c.maxTransferSize = CardMaxTransferSize
	default:
		return nil, errors.Wrap(ErrInvalid, "NewConfig side")
	}
	return c, nil
}

// setter runs fn under the config lock unless a device is open
func (c *Config) setter(name string, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open > 0 {
		return errors.Wrap(ErrConfigOpen, "config "+name)
	}
	if err := fn(); err != nil {
		return errors.Wrap(err, "config "+name)
	}
	return nil
}

// SetTimeout sets the bound of a single wait. Default is 5s.
func (c *Config) SetTimeout(d time.Duration) error {
	return c.setter("SetTimeout", func() error {
		if d <= 0 {
			return ErrInvalid
		}
		c.timeout = d
		return nil
	})
}

// SetPollInterval sets the sleep between two checks of a busy wait.
func (c *Config) SetPollInterval(d time.Duration) error {
	return c.setter("SetPollInterval", func() error {
		if d <= 0 {
			return ErrInvalid
		}
		c.pollInterval = d
		return nil
	})
}

// SetSlowestBandwidth sets the bandwidth in MB/s transfers are expected to reach. It scales space wait timeouts
// and the fence retry limit.
func (c *Config) SetSlowestBandwidth(mbps uint32) error {
	return c.setter("SetSlowestBandwidth", func() error {
		if mbps == 0 {
			return ErrInvalid
		}
		c.slowestBandwidth = mbps
		return nil
	})
}

// SetDescRingSize sets the number of descriptors per channel. Valid values are 8 to MaxDescPerRing.
func (c *Config) SetDescRingSize(n uint32) error {
	return c.setter("SetDescRingSize", func() error {
		if n < 8 || n > MaxDescPerRing {
			return ErrInvalid
		}
		c.descRingSize = n
		return nil
	})
}

// SetPollRingSize sets the number of polling completion slots per channel.
func (c *Config) SetPollRingSize(n int) error {
	return c.setter("SetPollRingSize", func() error {
		if n < 3 {
			return ErrInvalid
		}
		c.pollRingSize = n
		return nil
	})
}

// SetIntrRingSize sets the number of interrupt completion slots per channel.
func (c *Config) SetIntrRingSize(n int) error {
	return c.setter("SetIntrRingSize", func() error {
		if n < 3 {
			return ErrInvalid
		}
		c.intrRingSize = n
		return nil
	})
}

// SetMaxTransferSize sets the largest chunk one memcopy descriptor moves. Valid values are CacheLineBytes to
// CardMaxTransferSize.
func (c *Config) SetMaxTransferSize(n uint32) error {
	return c.setter("SetMaxTransferSize", func() error {
		if n < CacheLineBytes || n > CardMaxTransferSize {
			return ErrTransferTooBig
		}
		c.maxTransferSize = n
		return nil
	})
}

// SetFenceRetries sets how often a mark wait is retried while the hardware makes progress. 0 derives it.
func (c *Config) SetFenceRetries(n int) error {
	return c.setter("SetFenceRetries", func() error {
		if n < 0 {
			return ErrInvalid
		}
		c.fenceRetries = n
		return nil
	})
}

// SetFenceDelay sets the sleep between channel teardown and device uninit.
func (c *Config) SetFenceDelay(d time.Duration) error {
	return c.setter("SetFenceDelay", func() error {
		if d < 0 {
			return ErrInvalid
		}
		c.fenceDelay = d
		return nil
	})
}

// SetCallbackBudget sets the run time above which an interrupt callback is reported.
func (c *Config) SetCallbackBudget(d time.Duration) error {
	return c.setter("SetCallbackBudget", func() error {
		if d <= 0 {
			return ErrInvalid
		}
		c.callbackBudget = d
		return nil
	})
}

// SetMaxDevices sets the number of device numbers a Manager accepts.
func (c *Config) SetMaxDevices(n int) error {
	return c.setter("SetMaxDevices", func() error {
		if n <= 0 {
			return ErrInvalid
		}
		c.maxDevices = n
		return nil
	})
}

// SetLogger sets the logger. Default is the logrus standard logger.
func (c *Config) SetLogger(l *logrus.Logger) error {
	return c.setter("SetLogger", func() error {
		if l == nil {
			return ErrInvalid
		}
		c.logger = l
		return nil
	})
}

// SetAllocator sets where descriptor rings and completion words are allocated. Default is a fresh ringmem.Heap
// per device.
func (c *Config) SetAllocator(a ringmem.Allocator) error {
	return c.setter("SetAllocator", func() error {
		c.allocator = a
		return nil
	})
}

// SetRegistry sets the metrics registry. Default is a new registry per device.
func (c *Config) SetRegistry(r metrics.Registry) error {
	return c.setter("SetRegistry", func() error {
		c.registry = r
		return nil
	})
}

func (c *Config) Side() Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.side
}

func (c *Config) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *Config) MaxTransferSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxTransferSize
}

func (c *Config) Logger() *logrus.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// acquire marks the config used by one more device and returns its settings
func (c *Config) acquire() settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open++
	s := settings{
		side:             c.side,
		timeout:          c.timeout,
		pollInterval:     c.pollInterval,
		slowestBandwidth: c.slowestBandwidth,
		descRingSize:     c.descRingSize,
		pollRingSize:     c.pollRingSize,
		intrRingSize:     c.intrRingSize,
		maxTransferSize:  c.maxTransferSize,
		fenceRetries:     c.fenceRetries,
		fenceDelay:       c.fenceDelay,
		callbackBudget:   c.callbackBudget,
		logger:           c.logger,
		allocator:        c.allocator,
		registry:         c.registry,
	}
	if s.allocator == nil {
		s.allocator = ringmem.NewHeap()
	}
	if s.registry == nil {
		s.registry = metrics.NewRegistry()
	}
	if s.fenceRetries == 0 {
		s.fenceRetries = fenceRetryLimit(s.descRingSize, s.maxTransferSize, s.slowestBandwidth, s.timeout)
	}
	return s
}

func (c *Config) release() {
	c.mu.Lock()
	c.open--
	c.mu.Unlock()
}

// fenceRetryLimit is the number of timeouts a full ring may take to retire at the slowest bandwidth
func fenceRetryLimit(ringSize, maxXfer, mbps uint32, timeout time.Duration) int {
	drain := float64(ringSize) * float64(maxXfer) / (float64(mbps) * 1e6)
	n := int(math.Ceil(drain / timeout.Seconds()))
	if n < 1 {
		n = 1
	}
	return n
}

// transferTimeout bounds a space wait for a transfer of n bytes
func (s *settings) transferTimeout(n uint64) time.Duration {
	return s.timeout + time.Duration(float64(n)/(float64(s.slowestBandwidth)*1e6)*float64(time.Second))
}

// fileConfig is the YAML layout of a config file
type fileConfig struct {
	Side             string `yaml:"side"`
	Allocator        string `yaml:"allocator"`
	Timeout          string `yaml:"timeout"`
	PollInterval     string `yaml:"poll_interval"`
	SlowestBandwidth uint32 `yaml:"slowest_bandwidth_mbps"`
	DescRingSize     uint32 `yaml:"desc_ring_size"`
	PollRingSize     int    `yaml:"poll_ring_size"`
	IntrRingSize     int    `yaml:"intr_ring_size"`
	MaxTransferSize  uint32 `yaml:"max_transfer_size"`
	FenceRetries     int    `yaml:"fence_retries"`
	FenceDelay       string `yaml:"fence_delay"`
	CallbackBudget   string `yaml:"callback_budget"`
	MaxDevices       int    `yaml:"max_devices"`
	Logging          struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// LoadConfig reads a YAML config file. See ParseConfig.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "LoadConfig")
	}
	c, err := ParseConfig(b)
	if err != nil {
		return nil, errors.Wrapf(err, "LoadConfig %s", path)
	}
	return c, nil
}

// ParseConfig builds a Config from YAML. Missing keys keep their defaults.
/*
	side: host
	allocator: uncached
	timeout: 5s
	poll_interval: 10us
	slowest_bandwidth_mbps: 300
	desc_ring_size: 4096
	max_transfer_size: 524288
	fence_delay: 1s
	logging:
	  level: info
	  format: json
*/
func ParseConfig(b []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, errors.Wrap(err, "ParseConfig")
	}

	side := OwnerHost
	switch strings.ToLower(fc.Side) {
	case "", "host":
	case "card", "mic":
		side = OwnerCard
	default:
		return nil, errors.Wrapf(ErrInvalid, "ParseConfig side %q", fc.Side)
	}
	c, err := NewConfig(side)
	if err != nil {
		return nil, err
	}
	if fc.Allocator != "" {
		a, err := ringmem.ForKind(fc.Allocator)
		if err != nil {
			return nil, errors.Wrap(ErrInvalid, err.Error())
		}
		c.allocator = a
	}

	durations := []struct {
		value string
		set   func(time.Duration) error
	}{
		{fc.Timeout, c.SetTimeout},
		{fc.PollInterval, c.SetPollInterval},
		{fc.FenceDelay, c.SetFenceDelay},
		{fc.CallbackBudget, c.SetCallbackBudget},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, errors.Wrap(err, "ParseConfig")
		}
		if err := d.set(v); err != nil {
			return nil, err
		}
	}

	if fc.SlowestBandwidth != 0 {
		if err := c.SetSlowestBandwidth(fc.SlowestBandwidth); err != nil {
			return nil, err
		}
	}
	if fc.DescRingSize != 0 {
		if err := c.SetDescRingSize(fc.DescRingSize); err != nil {
			return nil, err
		}
		// the polling ring follows the descriptor ring unless set on its own
		c.pollRingSize = int(fc.DescRingSize)
	}
	if fc.PollRingSize != 0 {
		if err := c.SetPollRingSize(fc.PollRingSize); err != nil {
			return nil, err
		}
	}
	if fc.IntrRingSize != 0 {
		if err := c.SetIntrRingSize(fc.IntrRingSize); err != nil {
			return nil, err
		}
	}
	if fc.MaxTransferSize != 0 {
		if err := c.SetMaxTransferSize(fc.MaxTransferSize); err != nil {
			return nil, err
		}
	}
	if fc.FenceRetries != 0 {
		if err := c.SetFenceRetries(fc.FenceRetries); err != nil {
			return nil, err
		}
	}
	if fc.MaxDevices != 0 {
		if err := c.SetMaxDevices(fc.MaxDevices); err != nil {
			return nil, err
		}
	}

	l, err := newLogger(fc.Logging.Level, fc.Logging.Format)
	if err != nil {
		return nil, errors.Wrap(err, "ParseConfig")
	}
	c.logger = l
	return c, nil
}

// newLogger builds a logger for the logging section of a config file
func newLogger(level, format string) (*logrus.Logger, error) {
	l := logrus.New()
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		l.SetLevel(lvl)
	}
	switch strings.ToLower(format) {
	case "", "text":
		l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	case "json":
		l.Formatter = &logrus.JSONFormatter{}
	default:
		return nil, errors.Wrapf(ErrInvalid, "logging format %q", format)
	}
	return l, nil
}
