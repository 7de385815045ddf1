// Copyright 2026 The Netshield Authors.
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

// Package config holds the small set of parameters the surrounding
// daemon supplies to the engine: cgroup paths and routing table IDs
// and names. Anchor names are constants in pkg/rules. It follows the same pattern as
// runsc/config/flags.go — a flat struct with documented fields and a
// RegisterFlags helper for the one CLI entrypoint that needs to
// populate one from the command line.
package config

import "flag"

// Config is the configuration surface of the split-tunnel engine.
type Config struct {
	// ExclusionsCgroupPath is the pre-mounted cgroup tasks file path
	// (or cgroup directory, for cgroup.Writer's cgroups.Load usage)
	// that bypass-VPN apps are moved into.
	ExclusionsCgroupPath string

	// VPNOnlyCgroupPath is the pre-mounted cgroup path that vpn-only
	// apps are moved into.
	VPNOnlyCgroupPath string

	// DefaultCgroupPath is the parent/default cgroup PIDs are
	// returned to when removed from a specialized one.
	DefaultCgroupPath string

	// BypassTableName/BypassTableID and VPNOnlyTableName/VPNOnlyTableID
	// name the two policy-routing tables (spec.md §4.3).
	BypassTableName  string
	BypassTableID    int
	VPNOnlyTableName string
	VPNOnlyTableID   int
}

// Default returns a Config with the table IDs and cgroup layout this
// module ships by default; a real daemon overrides every field from
// its own configuration store.
func Default() Config {
	return Config{
		ExclusionsCgroupPath: "/sys/fs/cgroup/net_cls/splittun/bypass",
		VPNOnlyCgroupPath:    "/sys/fs/cgroup/net_cls/splittun/vpnonly",
		DefaultCgroupPath:    "/sys/fs/cgroup/net_cls/splittun",
		BypassTableName:      "splittun_bypass",
		BypassTableID:        100,
		VPNOnlyTableName:     "splittun_vpnonly",
		VPNOnlyTableID:       101,
	}
}

// RegisterFlags registers one flag per Config field against fs,
// mirroring runsc/config/flags.go's RegisterFlags(flagSet).
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	d := Default()
	fs.StringVar(&c.ExclusionsCgroupPath, "exclusions-cgroup", d.ExclusionsCgroupPath, "pre-mounted cgroup path for bypass-VPN apps")
	fs.StringVar(&c.VPNOnlyCgroupPath, "vpnonly-cgroup", d.VPNOnlyCgroupPath, "pre-mounted cgroup path for vpn-only apps")
	fs.StringVar(&c.DefaultCgroupPath, "default-cgroup", d.DefaultCgroupPath, "pre-mounted parent cgroup apps are returned to")
	fs.StringVar(&c.BypassTableName, "bypass-table-name", d.BypassTableName, "name of the bypass policy-routing table, for logging")
	fs.IntVar(&c.BypassTableID, "bypass-table-id", d.BypassTableID, "numeric id of the bypass policy-routing table")
	fs.StringVar(&c.VPNOnlyTableName, "vpnonly-table-name", d.VPNOnlyTableName, "name of the vpn-only policy-routing table, for logging")
	fs.IntVar(&c.VPNOnlyTableID, "vpnonly-table-id", d.VPNOnlyTableID, "numeric id of the vpn-only policy-routing table")
}
