package netdev

import (
	"time"

	"github.com/pkg/errors"

	"github.com/romshark/framering/ring"
)

const (
	DefaultName         = "fr0"
	DefaultPollInterval = 100 * time.Microsecond
	DefaultRxBudget     = ring.DMALength

	// UnboundedRxBudget drains the receive ring until it is empty on
	// every tick.
	UnboundedRxBudget = -1
)

var (
	ErrPollInterval = errors.New("poll interval must not be negative")
	ErrRxBudget     = errors.New("rx budget must be positive or UnboundedRxBudget")
)

type Config struct {
	// Name identifies the device in logs and DMA channel reservations.
	Name string `yaml:"name"`

	// PollInterval is the delay between the end of one poll tick and the
	// start of the next.
	PollInterval time.Duration `yaml:"poll-interval"`

	// RxBudget is the maximum number of frames delivered per tick.
	RxBudget int `yaml:"rx-budget"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.PollInterval < 0 {
		return ErrPollInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RxBudget == 0 {
		c.RxBudget = DefaultRxBudget
	}
	if c.RxBudget < UnboundedRxBudget {
		return ErrRxBudget
	}
	return nil
}
