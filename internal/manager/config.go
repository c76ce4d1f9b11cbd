package manager

import (
	"time"

	"github.com/rs/zerolog"

	"modelworker/internal/adapter"
	"modelworker/internal/backend"
	"modelworker/internal/metrics"
	"modelworker/internal/params"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth  = 32
	defaultMaxWait        = 30 * time.Second
	defaultDrainTimeout   = 30 * time.Second
	defaultKernelPoolSize = 4
)

// RemoteSpec registers a worker served by another node.
type RemoteSpec struct {
	Model   string
	Host    string
	Port    int
	Timeout time.Duration
}

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Models       []params.Deploy
	Remotes      []RemoteSpec
	DefaultModel string

	MaxQueueDepth int
	MaxWait       time.Duration
	DrainTimeout  time.Duration
	// KernelPoolSize bounds blocking inference shared by all local workers.
	KernelPoolSize int

	// Loaders defaults to backend.DefaultLoaders wired to the publisher.
	Loaders  backend.Loaders
	Adapters *adapter.Registry
	// Sampler overrides per-device sampling (tests).
	Sampler   metrics.Sampler
	Publisher EventPublisher
	Log       zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.KernelPoolSize <= 0 {
		c.KernelPoolSize = defaultKernelPoolSize
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.Adapters == nil {
		c.Adapters = adapter.DefaultRegistry()
	}
}
