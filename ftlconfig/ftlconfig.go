// Package ftlconfig loads FTL driver configuration from a YAML
// document into a typed struct and validates it before use.
package ftlconfig

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/oichkatzele/flashftl/geom"
)

// Config is the on-disk shape of the FTL's geometry and tunables.
type Config struct {
	Geometry struct {
		NrChannels        int `yaml:"nr_channels"`
		NrChipsPerChannel int `yaml:"nr_chips_per_channel"`
		NrBlocksPerChip   int `yaml:"nr_blocks_per_chip"`
		NrPagesPerBlock   int `yaml:"nr_pages_per_block"`
		SubpagesPerPage   int `yaml:"subpages_per_page"`
	} `yaml:"geometry"`

	// PoolSizePercent is the initial pool-size target (default 60).
	PoolSizePercent int `yaml:"pool_size_percent"`

	// GCLowWaterPercent records the free-block GC threshold (default
	// 2). The driver does not read it: IsGCNeeded uses the fixed
	// gc.LowWaterPercent.
	GCLowWaterPercent int `yaml:"gc_low_water_percent"`

	// ResourceRetryAttempts / ResourceRetryBackoffMs record the retry
	// bound for resource exhaustion (default 10 x 1000ms). The driver
	// does not read them: ftl uses its fixed resourceRetries and
	// resourceBackoff.
	ResourceRetryAttempts  int `yaml:"resource_retry_attempts"`
	ResourceRetryBackoffMs int `yaml:"resource_retry_backoff_ms"`

	MetricsListenAddr string `yaml:"metrics_listen_addr"`
}

// Geom converts the YAML geometry block into a geom.Geometry.
func (c Config) Geom() geom.Geometry {
	return geom.Geometry{
		NrChannels:        c.Geometry.NrChannels,
		NrChipsPerChannel: c.Geometry.NrChipsPerChannel,
		NrBlocksPerChip:   c.Geometry.NrBlocksPerChip,
		NrPagesPerBlock:   c.Geometry.NrPagesPerBlock,
		SubpagesPerPage:   c.Geometry.SubpagesPerPage,
	}
}

// Default returns a representative device geometry: 4 channels,
// 8 chips/channel, 64 blocks/chip, 128 pages/block, K=4.
func Default() Config {
	var c Config
	c.Geometry.NrChannels = 4
	c.Geometry.NrChipsPerChannel = 8
	c.Geometry.NrBlocksPerChip = 64
	c.Geometry.NrPagesPerBlock = 128
	c.Geometry.SubpagesPerPage = 4
	c.PoolSizePercent = 60
	c.GCLowWaterPercent = 2
	c.ResourceRetryAttempts = 10
	c.ResourceRetryBackoffMs = 1000
	c.MetricsListenAddr = ":9091"
	return c
}

// Load reads and validates a YAML config file at path.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "ftlconfig: read %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "ftlconfig: parse %s", path)
	}
	if err := cfg.Geom().Validate(); err != nil {
		return Config{}, errors.Wrap(err, "ftlconfig: invalid geometry")
	}
	if cfg.PoolSizePercent <= 0 || cfg.PoolSizePercent >= 100 {
		return Config{}, errors.New("ftlconfig: pool_size_percent must be in (0,100)")
	}
	return cfg, nil
}
