// Copyright 2022-2024 The Parca Authors
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
//

package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/patnebe/lightswitch/pkg/stack/unwind"
)

var ErrEmptyConfig = errors.New("empty config")

const DefaultTableCacheSize = 512

// Config holds the configuration of the unwind table pipeline.
type Config struct {
	Unwind UnwindConfig `yaml:"unwind"`
}

// UnwindConfig bounds the layout of the sharded unwind tables and how many
// of them are kept in memory.
type UnwindConfig struct {
	ShardCapacity   int  `yaml:"shard_capacity"`
	MaxShards       int  `yaml:"max_shards"`
	MaxChunks       int  `yaml:"max_chunks"`
	FunctionAligned bool `yaml:"function_aligned"`
	TableCacheSize  int  `yaml:"table_cache_size"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	opts := unwind.DefaultShardingOptions()
	return &Config{
		Unwind: UnwindConfig{
			ShardCapacity:   opts.ShardCapacity,
			MaxShards:       opts.MaxShards,
			MaxChunks:       opts.MaxChunks,
			FunctionAligned: opts.FunctionAligned,
			TableCacheSize:  DefaultTableCacheSize,
		},
	}
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// ShardingOptions returns the sharder options of the configuration.
func (c UnwindConfig) ShardingOptions() unwind.ShardingOptions {
	return unwind.ShardingOptions{
		ShardCapacity:   c.ShardCapacity,
		MaxShards:       c.MaxShards,
		MaxChunks:       c.MaxChunks,
		FunctionAligned: c.FunctionAligned,
	}
}

// Validate rejects configurations the sharder can not work with.
func (c *Config) Validate() error {
	if err := c.Unwind.ShardingOptions().Validate(); err != nil {
		return fmt.Errorf("invalid unwind config: %w", err)
	}
	if c.Unwind.TableCacheSize <= 0 {
		return fmt.Errorf("invalid unwind config: table cache size must be positive, got %d", c.Unwind.TableCacheSize)
	}
	return nil
}

// Load parses the YAML input b into a Config. Fields missing from the
// input keep their default value.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
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
