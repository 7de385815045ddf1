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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/netshield/splittun/pkg/cgroup"
	"github.com/netshield/splittun/pkg/config"
	"github.com/netshield/splittun/pkg/reconciler"
	"github.com/netshield/splittun/pkg/rules"
	"github.com/netshield/splittun/pkg/rules/shellanchor"
)

// runCmd implements subcommands.Command. It opens a split-tunnel
// session against the current network and PID namespace and holds it
// open, reconciling process exec/exit events, until interrupted.
//
// It is a development harness, not the production daemon: the iface
// names, tunnel parameters and app lists a real daemon would pull from
// its own config store and tunnel manager are supplied on the command
// line instead (spec.md §1).
type runCmd struct {
	cfg config.Config

	physIface   string
	physIP      string
	physGW      string
	tunIface    string
	tunLocal    string
	tunRemote   string
	excludeApps commaList
	vpnOnlyApps commaList
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "open a split-tunnel session and reconcile until interrupted" }
func (*runCmd) Usage() string {
	return `run [flags] - opens a split-tunnel session against the current network namespace.
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	config.RegisterFlags(f, &r.cfg)
	f.StringVar(&r.physIface, "phys-iface", "", "physical uplink interface name")
	f.StringVar(&r.physIP, "phys-ip", "", "physical uplink source IP")
	f.StringVar(&r.physGW, "phys-gw", "", "physical uplink gateway")
	f.StringVar(&r.tunIface, "tun-iface", "", "VPN tunnel interface name")
	f.StringVar(&r.tunLocal, "tun-local", "", "VPN tunnel local address")
	f.StringVar(&r.tunRemote, "tun-remote", "", "VPN tunnel remote address")
	f.Var(&r.excludeApps, "exclude-apps", "comma-separated executable paths to bypass the VPN")
	f.Var(&r.vpnOnlyApps, "vpnonly-apps", "comma-separated executable paths confined to the VPN")
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	rc := &rules.Controller{
		Anchor: &shellanchor.Controller{},
		Tables: rules.Tables{
			BypassName:  r.cfg.BypassTableName,
			BypassID:    r.cfg.BypassTableID,
			VPNOnlyName: r.cfg.VPNOnlyTableName,
			VPNOnlyID:   r.cfg.VPNOnlyTableID,
		},
	}
	excl := &cgroup.Writer{Path: r.cfg.ExclusionsCgroupPath, ParentPath: r.cfg.DefaultCgroupPath}
	vpnOnly := &cgroup.Writer{Path: r.cfg.VPNOnlyCgroupPath, ParentPath: r.cfg.DefaultCgroupPath}
	rec := reconciler.New(rc, excl, vpnOnly)

	fw := reconciler.FirewallParams{
		NetScan: reconciler.NetworkScan{
			PhysIface:   r.physIface,
			PhysIP:      r.physIP,
			PhysGateway: r.physGW,
		},
		ExcludeApps: []string(r.excludeApps),
		VpnOnlyApps: []string(r.vpnOnlyApps),
	}
	tunnel := reconciler.TunnelState{Iface: r.tunIface, Local: r.tunLocal, Remote: r.tunRemote}

	if err := rec.InitiateConnection(fw, tunnel); err != nil {
		logrus.WithError(err).Error("initiate connection")
		return subcommands.ExitFailure
	}
	defer func() {
		if err := rec.ShutdownConnection(); err != nil {
			logrus.WithError(err).Error("shutdown connection")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logrus.Info("split-tunnel session active, waiting for events")
	for {
		select {
		case <-ctx.Done():
			return subcommands.ExitSuccess
		case <-sigCh:
			logrus.Info("received shutdown signal")
			return subcommands.ExitSuccess
		case ev, ok := <-rec.Events():
			if !ok {
				logrus.Warn("process event listener closed unexpectedly")
				return subcommands.ExitFailure
			}
			rec.DispatchEvent(ev)
		}
	}
}

// commaList implements flag.Value for a comma-separated string list.
type commaList []string

func (c *commaList) String() string { return joinComma(*c) }

func (c *commaList) Set(s string) error {
	*c = splitComma(s)
	return nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
