// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/prometheus/model/relabel"
	"gopkg.in/yaml.v3"

	"github.com/parca-dev/parca-hotspot/pkg/hotspot"
	"github.com/parca-dev/parca-hotspot/pkg/objdump"
	"github.com/parca-dev/parca-hotspot/pkg/strmap"
)

var ErrEmptyConfig = errors.New("empty config")

// Config holds all the configuration information for Parca Hotspot. Values
// present in the file override the corresponding command line flags.
type Config struct {
	Hotspot  *HotspotConfig  `yaml:"hotspot,omitempty"`
	Objdump  *ObjdumpConfig  `yaml:"objdump,omitempty"`
	Perf     *PerfConfig     `yaml:"perf,omitempty"`
	Interner *InternerConfig `yaml:"interner,omitempty"`

	// RelabelConfigs select the modules that get disassembled. Modules carry
	// the __dso_path__ and __dso_name__ labels.
	RelabelConfigs []*relabel.Config `yaml:"relabel_configs,omitempty"`
}

type HotspotConfig struct {
	SampleThreshold  *hotspot.Threshold `yaml:"sample_threshold,omitempty"`
	HotspotThreshold *hotspot.Threshold `yaml:"hotspot_threshold,omitempty"`
	Gap              *int               `yaml:"gap,omitempty"`
	Context          *int               `yaml:"context,omitempty"`
}

type ObjdumpConfig struct {
	Path     string   `yaml:"path,omitempty"`
	Args     []string `yaml:"args,omitempty"`
	CacheDir string   `yaml:"cache_dir,omitempty"`
}

type PerfConfig struct {
	Path string `yaml:"path,omitempty"`
}

type InternerConfig struct {
	Bits          *uint   `yaml:"bits,omitempty"`
	BitsIncrement *uint   `yaml:"bits_increment,omitempty"`
	MaxLoad       *uint64 `yaml:"max_load,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Validate rejects values no component could work with.
func (c *Config) Validate() error {
	if h := c.Hotspot; h != nil {
		if h.Gap != nil && *h.Gap < 0 {
			return fmt.Errorf("hotspot gap must not be negative, got %d", *h.Gap)
		}
		if h.Context != nil && *h.Context < 0 {
			return fmt.Errorf("hotspot context must not be negative, got %d", *h.Context)
		}
	}
	if i := c.Interner; i != nil {
		if i.Bits != nil && (*i.Bits < 1 || *i.Bits > 40) {
			return fmt.Errorf("interner bits must be within [1, 40], got %d", *i.Bits)
		}
		if i.BitsIncrement != nil && *i.BitsIncrement == 0 {
			return errors.New("interner bits increment must be positive")
		}
		if i.MaxLoad != nil && (*i.MaxLoad == 0 || *i.MaxLoad >= 1024) {
			return fmt.Errorf("interner max load must be within [1, 1023], got %d", *i.MaxLoad)
		}
	}
	return nil
}

// ApplyHotspot overrides cfg with the values present in the file.
func (c *Config) ApplyHotspot(cfg *hotspot.Config) {
	h := c.Hotspot
	if h == nil {
		return
	}
	if h.SampleThreshold != nil {
		cfg.SampleThreshold = *h.SampleThreshold
	}
	if h.HotspotThreshold != nil {
		cfg.HotspotThreshold = *h.HotspotThreshold
	}
	if h.Gap != nil {
		cfg.Gap = *h.Gap
	}
	if h.Context != nil {
		cfg.Context = *h.Context
	}
}

// ApplyObjdump overrides cfg with the values present in the file.
func (c *Config) ApplyObjdump(cfg *objdump.Config) {
	o := c.Objdump
	if o == nil {
		return
	}
	if o.Path != "" {
		cfg.Path = o.Path
	}
	if len(o.Args) > 0 {
		cfg.Args = o.Args
	}
	if o.CacheDir != "" {
		cfg.CacheDir = o.CacheDir
	}
}

// PerfPath returns the configured perf binary, or def when unset.
func (c *Config) PerfPath(def string) string {
	if c.Perf == nil || c.Perf.Path == "" {
		return def
	}
	return c.Perf.Path
}

// InternerOptions returns the map options for the file's interner section.
func (c *Config) InternerOptions() []strmap.Option {
	i := c.Interner
	if i == nil {
		return nil
	}
	var opts []strmap.Option
	if i.Bits != nil {
		opts = append(opts, strmap.WithBits(*i.Bits))
	}
	if i.BitsIncrement != nil {
		opts = append(opts, strmap.WithBitsIncrement(*i.BitsIncrement))
	}
	if i.MaxLoad != nil {
		opts = append(opts, strmap.WithMaxLoad(*i.MaxLoad))
	}
	return opts
}

// Load parses the YAML input s into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
