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
	"strconv"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/netshield/splittun/pkg/cgroup"
	"github.com/netshield/splittun/pkg/config"
	"github.com/netshield/splittun/pkg/reconciler"
	"github.com/netshield/splittun/pkg/rules"
	"github.com/netshield/splittun/pkg/rules/shellanchor"
)

// newSimulatorReconciler builds a Reconciler wired against the real
// cgroup hierarchy and a real shell-based anchor controller, but never
// opens a netlink session: simulate-exec/simulate-exit feed it events
// by hand so a single pid's handling can be checked against real /proc
// without a live process-event subscription.
func newSimulatorReconciler(cfg config.Config, excludeApps, vpnOnlyApps []string, scan reconciler.NetworkScan) *reconciler.Reconciler {
	rc := &rules.Controller{
		Anchor: &shellanchor.Controller{},
		Tables: rules.Tables{
			BypassName:  cfg.BypassTableName,
			BypassID:    cfg.BypassTableID,
			VPNOnlyName: cfg.VPNOnlyTableName,
			VPNOnlyID:   cfg.VPNOnlyTableID,
		},
	}
	excl := &cgroup.Writer{Path: cfg.ExclusionsCgroupPath, ParentPath: cfg.DefaultCgroupPath}
	vpnOnly := &cgroup.Writer{Path: cfg.VPNOnlyCgroupPath, ParentPath: cfg.DefaultCgroupPath}
	rec := reconciler.New(rc, excl, vpnOnly)

	for _, p := range excludeApps {
		rec.TrackExclusion(p)
	}
	for _, p := range vpnOnlyApps {
		rec.TrackVPNOnly(p)
	}
	rec.SetNetworkScan(scan)
	return rec
}

// simulateExecCmd implements subcommands.Command. It manually drives
// the exec-event path (spec.md §4.5) for one already-running pid,
// without a live CN_IDX_PROC subscription.
type simulateExecCmd struct {
	cfg         config.Config
	physIface   string
	physIP      string
	physGW      string
	excludeApps commaList
	vpnOnlyApps commaList
}

func (*simulateExecCmd) Name() string     { return "simulate-exec" }
func (*simulateExecCmd) Synopsis() string { return "manually drive the exec-event path for one pid" }
func (*simulateExecCmd) Usage() string {
	return `simulate-exec [flags] <pid> - runs AddLaunchedApp(pid) against real /proc.
`
}

func (s *simulateExecCmd) SetFlags(f *flag.FlagSet) {
	config.RegisterFlags(f, &s.cfg)
	f.StringVar(&s.physIface, "phys-iface", "", "physical uplink interface name")
	f.StringVar(&s.physIP, "phys-ip", "", "physical uplink source IP")
	f.StringVar(&s.physGW, "phys-gw", "", "physical uplink gateway")
	f.Var(&s.excludeApps, "exclude-apps", "comma-separated executable paths to bypass the VPN")
	f.Var(&s.vpnOnlyApps, "vpnonly-apps", "comma-separated executable paths confined to the VPN")
}

func (s *simulateExecCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		logrus.WithError(err).Error("invalid pid")
		return subcommands.ExitUsageError
	}

	scan := reconciler.NetworkScan{PhysIface: s.physIface, PhysIP: s.physIP, PhysGateway: s.physGW}
	rec := newSimulatorReconciler(s.cfg, []string(s.excludeApps), []string(s.vpnOnlyApps), scan)
	rec.AddLaunchedApp(pid)
	logrus.WithField("pid", pid).Info("simulated exec event")
	return subcommands.ExitSuccess
}

// simulateExitCmd implements subcommands.Command. It manually drives
// the exit-event path (spec.md §4.5), scrubbing pid from every tracked
// app's PID set the same way a real PROC_EVENT_EXIT would.
type simulateExitCmd struct {
	cfg         config.Config
	excludeApps commaList
	vpnOnlyApps commaList
}

func (*simulateExitCmd) Name() string     { return "simulate-exit" }
func (*simulateExitCmd) Synopsis() string { return "manually drive the exit-event path for one pid" }
func (*simulateExitCmd) Usage() string {
	return `simulate-exit [flags] <pid> - runs RemoveTerminatedApp(pid).
`
}

func (s *simulateExitCmd) SetFlags(f *flag.FlagSet) {
	config.RegisterFlags(f, &s.cfg)
	f.Var(&s.excludeApps, "exclude-apps", "comma-separated executable paths to bypass the VPN")
	f.Var(&s.vpnOnlyApps, "vpnonly-apps", "comma-separated executable paths confined to the VPN")
}

func (s *simulateExitCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		logrus.WithError(err).Error("invalid pid")
		return subcommands.ExitUsageError
	}

	rec := newSimulatorReconciler(s.cfg, []string(s.excludeApps), []string(s.vpnOnlyApps), reconciler.NetworkScan{})
	rec.RemoveTerminatedApp(pid)
	logrus.WithField("pid", pid).Info("simulated exit event")
	return subcommands.ExitSuccess
}
