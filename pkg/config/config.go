// Copyright 2025 The LimitlessOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the tunable memory-management policy. Values load
// from a YAML file over built-in defaults; a zero field in the file keeps
// the default rather than meaning zero.
package config

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
)

// Watermarks are the per-zone reclaim thresholds, in pages.
type Watermarks struct {
	Min  uint64 `yaml:"min"`
	Low  uint64 `yaml:"low"`
	High uint64 `yaml:"high"`
}

// Reclaim tunes the background reclaim task.
type Reclaim struct {
	// Batch is the eviction budget of one reclaim pass per zone.
	Batch int `yaml:"batch"`

	// WritebackPerSec caps dirty page writeback during reclaim.
	WritebackPerSec int `yaml:"writeback_per_sec"`
}

// Config is the full policy surface.
type Config struct {
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`

	// CPUs is the number of CPUs the machine boots with.
	CPUs int `yaml:"cpus"`

	// Watermarks apply to every zone at boot.
	Watermarks Watermarks `yaml:"watermarks"`

	// MagazineCap is the per-CPU slab magazine capacity.
	MagazineCap int `yaml:"magazine_cap"`

	Reclaim Reclaim `yaml:"reclaim"`

	// Readahead is the page-cache readahead window on sequential misses.
	Readahead int `yaml:"readahead"`

	// GuardPages is how far below a GROWSDOWN region a fault may land and
	// still extend the region.
	GuardPages int `yaml:"guard_pages"`

	// MovablePercent carves that share off the top of each node into a
	// MOVABLE zone. Zero disables the zone.
	MovablePercent int `yaml:"movable_percent"`

	// DMALimit is the physical byte boundary of the DMA zone.
	DMALimit uint64 `yaml:"dma_limit"`
}

// Default returns the stock policy.
func Default() *Config {
	cpus := runtime.NumCPU()
	if cpus > 64 {
		cpus = 64
	}
	return &Config{
		LogLevel:    "info",
		CPUs:        cpus,
		Watermarks:  Watermarks{Min: 128, Low: 256, High: 512},
		MagazineCap: 8,
		Reclaim:     Reclaim{Batch: 32, WritebackPerSec: 128},
		Readahead:   8,
		GuardPages:  32,
		DMALimit:    16 << 20,
	}
}

// Parse overlays YAML onto the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(b, c); err != nil {
		return nil, errors.Wrap(err, "config: parsing")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and parses a policy file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	return Parse(b)
}

// Validate rejects values the rest of the system cannot honor.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "config: log_level %q", c.LogLevel)
	}
	// Active-CPU tracking uses one 64-bit mask per address space.
	if c.CPUs < 1 || c.CPUs > 64 {
		return errors.Errorf("config: cpus %d, need 1..64", c.CPUs)
	}
	w := c.Watermarks
	if w.Min == 0 || w.Min > w.Low || w.Low > w.High {
		return errors.Errorf("config: watermarks min=%d low=%d high=%d, need 0 < min <= low <= high", w.Min, w.Low, w.High)
	}
	if c.MagazineCap < 1 {
		return errors.Errorf("config: magazine_cap %d, need at least 1", c.MagazineCap)
	}
	if c.Reclaim.Batch < 1 {
		return errors.Errorf("config: reclaim.batch %d, need at least 1", c.Reclaim.Batch)
	}
	if c.Reclaim.WritebackPerSec < 1 {
		return errors.Errorf("config: reclaim.writeback_per_sec %d, need at least 1", c.Reclaim.WritebackPerSec)
	}
	if c.Readahead < 0 || c.Readahead > 64 {
		return errors.Errorf("config: readahead %d, need 0..64", c.Readahead)
	}
	if c.GuardPages < 0 {
		return errors.Errorf("config: guard_pages %d, need >= 0", c.GuardPages)
	}
	if c.MovablePercent < 0 || c.MovablePercent > 50 {
		return errors.Errorf("config: movable_percent %d, need 0..50", c.MovablePercent)
	}
	if c.DMALimit%arch.PageSize != 0 {
		return errors.Errorf("config: dma_limit %#x not page aligned", c.DMALimit)
	}
	return nil
}

// ApplyLogging sets the process logrus level from the config.
func (c *Config) ApplyLogging() {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		// Validate already rejected bad levels.
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}
