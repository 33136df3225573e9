/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the tunables for the membership engine and rebuild
// coordinator from a TOML file, falling back to defaults that match
// spec.md's tunables so a Config from Default() (or Load("")) is usable
// without a file. The zero-value Config is not: its intervals and
// MaxInflight are all zero.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable referenced by spec.md §4.1/§4.2.
type Config struct {
	// Membership engine.
	DefaultPingTimeoutMS int `toml:"default_ping_timeout_ms"`
	SuspectTimeoutMS     int `toml:"suspect_timeout_ms"`
	IndirectPeers        int `toml:"indirect_peers"` // k
	PiggybackMaxRetransmit int `toml:"piggyback_max_retransmit"` // K in K*log(N)

	// Rebuild coordinator.
	MaxInflight      int `toml:"max_inflight"`
	CheckIntervalSec int `toml:"check_interval_sec"`
	StatusPrintSec   int `toml:"status_print_sec"`
	GrpVerRetrySec   int `toml:"grpver_retry_sec"`
	RescheduleSec    int `toml:"reschedule_sec"`
}

// Default returns the spec-mandated defaults.
func Default() Config {
	return Config{
		DefaultPingTimeoutMS:   500,
		SuspectTimeoutMS:       10000,
		IndirectPeers:          3,
		PiggybackMaxRetransmit: 6,

		MaxInflight:      10,
		CheckIntervalSec: 2,
		StatusPrintSec:   10,
		GrpVerRetrySec:   1,
		RescheduleSec:    5,
	}
}

// Load reads a TOML file at path, overlaying it on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) PingTimeout() time.Duration {
	return time.Duration(c.DefaultPingTimeoutMS) * time.Millisecond
}

func (c Config) SuspectTimeout() time.Duration {
	return time.Duration(c.SuspectTimeoutMS) * time.Millisecond
}

func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

func (c Config) StatusPrintInterval() time.Duration {
	return time.Duration(c.StatusPrintSec) * time.Second
}

func (c Config) GrpVerRetry() time.Duration {
	return time.Duration(c.GrpVerRetrySec) * time.Second
}

func (c Config) Reschedule() time.Duration {
	return time.Duration(c.RescheduleSec) * time.Second
}
