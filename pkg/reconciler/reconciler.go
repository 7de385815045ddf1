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

// Package reconciler implements the split-tunnel state machine: the
// event-driven loop that keeps (executable path -> live PIDs -> cgroup
// membership -> routing state) correct across process forks, execs,
// exits, missed netlink events, and VPN reconfiguration.
//
// Reconciler is thread-unsafe, the same way runsc's own Container type
// documents itself ("Container is thread-unsafe"): every exported
// method is meant to run on the single event loop goroutine that also
// drains the process-event listener (spec.md §5).
package reconciler

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/netshield/splittun/pkg/cgroup"
	"github.com/netshield/splittun/pkg/procevents"
	"github.com/netshield/splittun/pkg/procfs"
	"github.com/netshield/splittun/pkg/rules"
)

var log = logrus.WithField("component", "reconciler")

// NetworkScan is the external network monitor's best current
// information about the physical uplink.
type NetworkScan struct {
	PhysIface   string
	PhysIP      string
	PhysGateway string
}

// Valid reports whether every field is populated. An invalid scan
// means there is no VPN to bypass right now (spec.md §3).
func (s NetworkScan) Valid() bool {
	return s.PhysIface != "" && s.PhysIP != "" && s.PhysGateway != ""
}

// TunnelState is the tunnel manager's current tunnel parameters. Any
// field may be empty while (re)connecting.
type TunnelState struct {
	Iface  string
	Local  string
	Remote string
}

// FirewallParams is the daemon-supplied configuration bundle for one
// updateSplitTunnel call (spec.md §6).
type FirewallParams struct {
	NetScan     NetworkScan
	ExcludeApps []string
	VpnOnlyApps []string
}

// errNoSession is returned by operations that require an active
// session when none exists.
var errNoSession = errors.New("no active split-tunnel session")

// sessionListener is the subset of *procevents.Listener the
// Reconciler depends on. It exists so tests can substitute a fake
// without opening a real NETLINK_CONNECTOR socket, which needs
// CAP_NET_ADMIN-equivalent privilege.
type sessionListener interface {
	Close() error
	Events() <-chan procevents.Event
}

// openListener is a package variable wrapping procevents.Open so tests
// can inject a fake listener.
var openListener = func() (sessionListener, error) { return procevents.Open() }

// session holds the per-connection resources the Reconciler must tear
// down on shutdown: the subscribed netlink listener. The Rule
// Controller keeps its own restore state (the saved rp_filter value).
type session struct {
	listener sessionListener
}

// Reconciler is the central state machine described in spec.md §4.5.
// It exclusively owns the two app maps, the Session, and the Rule
// Controller's previous-state fields; the Process Event Listener only
// borrows a read-only view via AddLaunchedApp/RemoveTerminatedApp,
// which are themselves Reconciler-serialized calls.
type Reconciler struct {
	RuleCtl          *rules.Controller
	ExclusionsCgroup *cgroup.Writer
	VPNOnlyCgroup    *cgroup.Writer

	exclusions TrackedAppMap
	vpnOnly    TrackedAppMap

	sess *session

	prevScan        NetworkScan
	prevTunnelLocal string
}

// New constructs an idle Reconciler.
func New(ruleCtl *rules.Controller, exclusionsCgroup, vpnOnlyCgroup *cgroup.Writer) *Reconciler {
	return &Reconciler{
		RuleCtl:          ruleCtl,
		ExclusionsCgroup: exclusionsCgroup,
		VPNOnlyCgroup:    vpnOnlyCgroup,
		exclusions:       TrackedAppMap{},
		vpnOnly:          TrackedAppMap{},
	}
}

// Active reports whether a session is currently open.
func (r *Reconciler) Active() bool { return r.sess != nil }

// TrackExclusion registers path as a bypass-VPN app without requiring
// an open session. It exists for manual verification tooling that
// drives AddLaunchedApp/RemoveTerminatedApp directly instead of
// through UpdateSplitTunnel.
func (r *Reconciler) TrackExclusion(path string) { r.exclusions.Ensure(path) }

// TrackVPNOnly registers path as a vpn-only app. See TrackExclusion.
func (r *Reconciler) TrackVPNOnly(path string) { r.vpnOnly.Ensure(path) }

// SetNetworkScan seeds the last-known network scan without running
// the full InitiateConnection/UpdateSplitTunnel path. See
// TrackExclusion.
func (r *Reconciler) SetNetworkScan(scan NetworkScan) { r.prevScan = scan }

// Events returns the active session's process-event channel, or nil
// if no session is open. A caller's event loop selects on this
// alongside its other event sources and feeds whatever arrives to
// DispatchEvent.
func (r *Reconciler) Events() <-chan procevents.Event {
	if r.sess == nil {
		return nil
	}
	return r.sess.listener.Events()
}

// DispatchEvent routes a single process-lifecycle event to the
// tracking update it implies (spec.md §4.5).
func (r *Reconciler) DispatchEvent(ev procevents.Event) {
	switch ev.Type {
	case procevents.EventExec:
		r.AddLaunchedApp(ev.Pid)
	case procevents.EventExit:
		r.RemoveTerminatedApp(ev.Pid)
	}
}

// InitiateConnection opens a new split-tunnel session (spec.md §4.5).
// If a session is already open, it is fully shut down first. On any
// failure opening/subscribing the netlink socket, the Reconciler
// abandons the attempt without mutating any other state.
func (r *Reconciler) InitiateConnection(fw FirewallParams, tunnel TunnelState) error {
	if r.Active() {
		if err := r.ShutdownConnection(); err != nil {
			log.Warnf("shutdown of previous session before restart: %v", err)
		}
	}

	listener, err := openListener()
	if err != nil {
		return fmt.Errorf("initiate connection: %w", err)
	}
	r.sess = &session{listener: listener}

	if err := r.RuleCtl.Anchor.SetAnchorEnabled("in", rules.AnchorTagPkts, true, "mangle"); err != nil {
		log.Warnf("enable tag-packets anchor: %v", err)
	}
	if err := r.RuleCtl.UpdateMasquerade(""); err != nil {
		log.Warnf("clear masquerade anchor at session start: %v", err)
	}

	if err := r.UpdateSplitTunnel(fw, tunnel); err != nil {
		return fmt.Errorf("initiate connection: %w", err)
	}

	if err := r.RuleCtl.EnableLooseRPF(); err != nil {
		log.Warnf("enable loose rp_filter: %v", err)
	}

	return nil
}

// UpdateSplitTunnel reconfigures a live session (spec.md §4.5):
// network state first, then app reconciliation, since the latter's
// policy depends on whether a valid network scan is present.
func (r *Reconciler) UpdateSplitTunnel(fw FirewallParams, tunnel TunnelState) error {
	if !r.Active() {
		return errNoSession
	}
	if err := r.updateNetwork(fw.NetScan, tunnel); err != nil {
		return err
	}
	r.updateApps(fw.ExcludeApps, fw.VpnOnlyApps)
	return nil
}

// updateNetwork compares the supplied scan/tunnel-local against the
// previous values and reinstalls only what changed, then always
// replaces the routes (replace semantics make a spurious call
// harmless) and stores the new "previous" values.
func (r *Reconciler) updateNetwork(scan NetworkScan, tunnel TunnelState) error {
	if scan.PhysIface != r.prevScan.PhysIface {
		if err := r.RuleCtl.UpdateMasquerade(scan.PhysIface); err != nil {
			log.Warnf("update masquerade anchor: %v", err)
		}
	}
	if scan.PhysIP != r.prevScan.PhysIP {
		if err := r.RuleCtl.RemoveRoutingPolicyForSourceIP(r.prevScan.PhysIP, r.RuleCtl.Tables.BypassID); err != nil {
			log.Warnf("remove old bypass source-ip rule: %v", err)
		}
		if err := r.RuleCtl.AddRoutingPolicyForSourceIP(scan.PhysIP, r.RuleCtl.Tables.BypassID); err != nil {
			log.Warnf("add new bypass source-ip rule: %v", err)
		}
	}
	if tunnel.Local != r.prevTunnelLocal {
		if err := r.RuleCtl.RemoveRoutingPolicyForSourceIP(r.prevTunnelLocal, r.RuleCtl.Tables.VPNOnlyID); err != nil {
			log.Warnf("remove old vpn-only source-ip rule: %v", err)
		}
		if err := r.RuleCtl.AddRoutingPolicyForSourceIP(tunnel.Local, r.RuleCtl.Tables.VPNOnlyID); err != nil {
			log.Warnf("add new vpn-only source-ip rule: %v", err)
		}
	}

	if err := r.RuleCtl.UpdateRoutes(scan.PhysIface, scan.PhysGateway, tunnel.Iface, tunnel.Remote); err != nil {
		log.Warnf("update routes: %v", err)
	}

	r.prevScan = scan
	r.prevTunnelLocal = tunnel.Local
	return nil
}

// updateApps reconciles both TrackedAppMaps against the desired
// configuration (spec.md §4.5). If the network scan is invalid, the
// excluded list is treated as empty — never attempt to bypass a VPN
// that isn't up — while vpn-only apps are always tracked
// unconditionally.
func (r *Reconciler) updateApps(excludeApps, vpnOnlyApps []string) {
	effectiveExcluded := excludeApps
	if !r.prevScan.Valid() {
		effectiveExcluded = nil
	}

	r.reconcileMap(r.exclusions, r.ExclusionsCgroup, effectiveExcluded)
	r.reconcileMap(r.vpnOnly, r.VPNOnlyCgroup, vpnOnlyApps)
}

// reconcileMap applies the set-difference algorithm from spec.md
// §4.5 updateApps to a single TrackedAppMap: paths no longer desired
// are evicted (every known PID moved to the parent cgroup), then
// newly-desired paths are created and populated from a fresh /proc
// scan. Re-running with unchanged inputs is a no-op, since no path
// is both removed and (re)added in the same pass.
func (r *Reconciler) reconcileMap(m TrackedAppMap, writer *cgroup.Writer, desired []string) {
	desiredSet := toSet(desired)

	for _, path := range m.Paths() {
		if _, ok := desiredSet[path]; ok {
			continue
		}
		for pid := range m.PIDs(path) {
			writer.RemovePID(pid)
		}
		m.Delete(path)
	}

	for path := range desiredSet {
		if m.Has(path) {
			continue
		}
		m.Ensure(path)
		for _, pid := range findRunning(path) {
			m.Add(path, pid)
			writer.AddPID(pid)
		}
	}
}

// findRunning scans /proc for every live PID whose resolved exe
// matches path.
func findRunning(path string) []int {
	var matches []int
	for _, pid := range procfs.EnumeratePids() {
		if procfs.PathForPid(pid) == path {
			matches = append(matches, pid)
		}
	}
	return matches
}

// AddLaunchedApp handles PROC_EVENT_EXEC (spec.md §4.5). An exec
// event for a freshly-spawned descendant of an already-tracked process
// may arrive before or after the parent's own exec event; the
// recursive descendant scan inside cgroup.Writer.AddPID makes the
// ordering irrelevant either way.
func (r *Reconciler) AddLaunchedApp(pid int) {
	path := procfs.PathForPid(pid)
	if path == "" {
		return // short-lived process; ignore.
	}

	if r.exclusions.Has(path) && r.prevScan.Valid() {
		r.exclusions.Add(path, pid)
		r.ExclusionsCgroup.AddPID(pid)
		return
	}
	if r.vpnOnly.Has(path) {
		r.vpnOnly.Add(path, pid)
		r.VPNOnlyCgroup.AddPID(pid)
	}
}

// RemoveTerminatedApp handles PROC_EVENT_EXIT (spec.md §4.5). The
// kernel has already reaped pid, so there is nothing to write to a
// cgroup; it is scrubbed from every path set in both maps.
func (r *Reconciler) RemoveTerminatedApp(pid int) {
	r.exclusions.RemoveEverywhere(pid)
	r.vpnOnly.RemoveEverywhere(pid)
}

// ShutdownConnection reverses InitiateConnection (spec.md §4.5):
// unsubscribes and closes the netlink socket, tears down firewall
// anchors, evicts every tracked PID back to its default cgroup,
// removes both source-IP routing rules, restores rp_filter, and
// clears all previous-state fields.
func (r *Reconciler) ShutdownConnection() error {
	if !r.Active() {
		return nil
	}

	if err := r.sess.listener.Close(); err != nil {
		log.Warnf("close netlink connector socket: %v", err)
	}

	if err := r.RuleCtl.Anchor.SetAnchorEnabled("in", rules.AnchorTagPkts, false, "mangle"); err != nil {
		log.Warnf("disable tag-packets anchor: %v", err)
	}
	if err := r.RuleCtl.UpdateMasquerade(""); err != nil {
		log.Warnf("clear masquerade anchor at shutdown: %v", err)
	}

	for _, path := range r.exclusions.Paths() {
		for pid := range r.exclusions.PIDs(path) {
			r.ExclusionsCgroup.RemovePID(pid)
		}
	}
	for _, path := range r.vpnOnly.Paths() {
		for pid := range r.vpnOnly.PIDs(path) {
			r.VPNOnlyCgroup.RemovePID(pid)
		}
	}
	r.exclusions = TrackedAppMap{}
	r.vpnOnly = TrackedAppMap{}

	if err := r.RuleCtl.RemoveRoutingPolicyForSourceIP(r.prevScan.PhysIP, r.RuleCtl.Tables.BypassID); err != nil {
		log.Warnf("remove bypass source-ip rule: %v", err)
	}
	if err := r.RuleCtl.RemoveRoutingPolicyForSourceIP(r.prevTunnelLocal, r.RuleCtl.Tables.VPNOnlyID); err != nil {
		log.Warnf("remove vpn-only source-ip rule: %v", err)
	}
	if err := r.RuleCtl.RestoreRPF(); err != nil {
		log.Warnf("restore rp_filter: %v", err)
	}

	r.prevScan = NetworkScan{}
	r.prevTunnelLocal = ""
	r.sess = nil
	return nil
}
