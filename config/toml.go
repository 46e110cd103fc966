// Copyright 2025 The Captely Authors
// This file is part of the cascade library.
//
// The cascade library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cascade library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cascade library. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads a TOML file over DefaultConfig and validates the result.
// Keys the tree does not know are an error, not a warning.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%s: unknown config keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.fillProviderDefaults(md)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// fillProviderDefaults restores builtin settings that a partial
// [provider.X] block reset. Only fields absent from the file are
// restored; an explicit zero stays a zero.
func (c *Config) fillProviderDefaults(md toml.MetaData) {
	for name, def := range builtinProviders() {
		if !md.IsDefined("provider", name) {
			continue
		}
		pc := c.Provider[name]
		if !md.IsDefined("provider", name, "cost") {
			pc.Cost = def.Cost
		}
		if !md.IsDefined("provider", name, "max_per_minute") {
			pc.MaxPerMinute = def.MaxPerMinute
		}
		if !md.IsDefined("provider", name, "burst") {
			pc.Burst = def.Burst
		}
		if !md.IsDefined("provider", name, "call_timeout_seconds") {
			pc.CallTimeoutSeconds = def.CallTimeoutSeconds
		}
		if !md.IsDefined("provider", name, "max_retries") {
			pc.MaxRetries = def.MaxRetries
		}
		c.Provider[name] = pc
	}
}

// Dump writes the tree as TOML, the counterpart of Load.
func (c *Config) Dump(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
