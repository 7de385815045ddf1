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

package reconciler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/netshield/splittun/pkg/cgroup"
	"github.com/netshield/splittun/pkg/procevents"
	"github.com/netshield/splittun/pkg/procfs"
	"github.com/netshield/splittun/pkg/rules"
)

type fakeAnchor struct {
	enabled      map[string]bool
	rules        map[string][]string
	replaceCalls map[string]int
}

func newFakeAnchor() *fakeAnchor {
	return &fakeAnchor{enabled: map[string]bool{}, rules: map[string][]string{}, replaceCalls: map[string]int{}}
}

func (f *fakeAnchor) SetAnchorEnabled(direction, name string, enabled bool, table string) error {
	f.enabled[name] = enabled
	return nil
}

func (f *fakeAnchor) ReplaceAnchor(direction, name string, rs []string, table string) error {
	f.rules[name] = rs
	f.replaceCalls[name]++
	return nil
}

type fakeListener struct {
	closed bool
	events chan procevents.Event
}

func (f *fakeListener) Close() error {
	f.closed = true
	if f.events != nil {
		close(f.events)
	}
	return nil
}

func (f *fakeListener) Events() <-chan procevents.Event {
	if f.events == nil {
		f.events = make(chan procevents.Event, 16)
	}
	return f.events
}

func withFakeProc(t *testing.T, tree map[int]string) {
	t.Helper()
	root := t.TempDir()
	for pid, exe := range tree {
		dir := filepath.Join(root, itoa(pid))
		os.MkdirAll(dir, 0o755)
		os.WriteFile(filepath.Join(dir, "status"), []byte("PPid:\t1\n"), 0o644)
		if exe != "" {
			os.Symlink(exe, filepath.Join(dir, "exe"))
		}
	}
	old := procfs.Root
	procfs.Root = root
	t.Cleanup(func() { procfs.Root = old })
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// newTestReconciler wires a Reconciler against a fake anchor and real
// cgroup.Writers pointed at paths that don't exist on the test host.
// cgroup.Writer swallows and logs load/add failures (spec.md §7), so
// these tests exercise map bookkeeping without requiring a mounted
// cgroupfs.
func newTestReconciler(t *testing.T, anchor rules.AnchorController) *Reconciler {
	t.Helper()
	rc := &rules.Controller{
		Anchor: anchor,
		Tables: rules.Tables{BypassID: 100, VPNOnlyID: 101},
	}
	excl := &cgroup.Writer{Path: "/splittun/bypass", ParentPath: "/splittun"}
	vo := &cgroup.Writer{Path: "/splittun/vpnonly", ParentPath: "/splittun"}
	return New(rc, excl, vo)
}

func TestInitiateConnectionAbandonedOnListenerFailure(t *testing.T) {
	old := openListener
	openListener = func() (sessionListener, error) { return nil, os.ErrPermission }
	defer func() { openListener = old }()

	r := newTestReconciler(t, newFakeAnchor())
	err := r.InitiateConnection(FirewallParams{}, TunnelState{})
	if err == nil {
		t.Fatal("InitiateConnection() = nil, want error")
	}
	if r.Active() {
		t.Fatal("Active() = true after failed InitiateConnection")
	}
}

func TestInitiateConnectionEnablesAnchors(t *testing.T) {
	fl := &fakeListener{}
	old := openListener
	openListener = func() (sessionListener, error) { return fl, nil }
	defer func() { openListener = old }()

	anchor := newFakeAnchor()
	r := newTestReconciler(t, anchor)

	if err := r.InitiateConnection(FirewallParams{}, TunnelState{}); err != nil {
		t.Fatal(err)
	}
	if !r.Active() {
		t.Fatal("Active() = false after InitiateConnection")
	}
	if !anchor.enabled[rules.AnchorTagPkts] {
		t.Fatal("tag-packets anchor was not enabled")
	}
}

func TestShutdownConnectionClosesListenerAndDisablesAnchors(t *testing.T) {
	fl := &fakeListener{}
	old := openListener
	openListener = func() (sessionListener, error) { return fl, nil }
	defer func() { openListener = old }()

	anchor := newFakeAnchor()
	r := newTestReconciler(t, anchor)
	if err := r.InitiateConnection(FirewallParams{}, TunnelState{}); err != nil {
		t.Fatal(err)
	}

	if err := r.ShutdownConnection(); err != nil {
		t.Fatal(err)
	}
	if !fl.closed {
		t.Fatal("netlink listener was not closed")
	}
	if anchor.enabled[rules.AnchorTagPkts] {
		t.Fatal("tag-packets anchor still enabled after shutdown")
	}
	if r.Active() {
		t.Fatal("Active() = true after ShutdownConnection")
	}
}

func TestShutdownConnectionIdempotent(t *testing.T) {
	r := newTestReconciler(t, newFakeAnchor())
	if err := r.ShutdownConnection(); err != nil {
		t.Fatalf("ShutdownConnection() on idle reconciler = %v, want nil", err)
	}
}

func TestUpdateAppsGatingOnInvalidScan(t *testing.T) {
	withFakeProc(t, map[int]string{1234: "/usr/bin/foo"})

	fl := &fakeListener{}
	old := openListener
	openListener = func() (sessionListener, error) { return fl, nil }
	defer func() { openListener = old }()

	r := newTestReconciler(t, newFakeAnchor())
	fw := FirewallParams{
		NetScan:     NetworkScan{}, // invalid: all fields empty
		ExcludeApps: []string{"/usr/bin/foo"},
		VpnOnlyApps: []string{"/usr/bin/foo"},
	}
	if err := r.InitiateConnection(fw, TunnelState{}); err != nil {
		t.Fatal(err)
	}

	if len(r.exclusions) != 0 {
		t.Fatalf("exclusions = %v, want empty when scan invalid", r.exclusions)
	}
	if !r.vpnOnly.Has("/usr/bin/foo") {
		t.Fatal("vpn-only apps must be tracked even when scan is invalid")
	}
}

func TestAddLaunchedAppIgnoresUnknownPath(t *testing.T) {
	withFakeProc(t, map[int]string{2000: "/usr/bin/unknown"})
	r := newTestReconciler(t, newFakeAnchor())
	r.AddLaunchedApp(2000) // must not panic; no maps configured
}

func TestAddLaunchedAppTracksExclusionWhenScanValid(t *testing.T) {
	withFakeProc(t, map[int]string{2000: "/usr/bin/foo"})
	r := newTestReconciler(t, newFakeAnchor())
	r.exclusions.Ensure("/usr/bin/foo")
	r.prevScan = NetworkScan{PhysIface: "eth0", PhysIP: "1.2.3.4", PhysGateway: "1.2.3.1"}

	r.AddLaunchedApp(2000)

	if _, ok := r.exclusions["/usr/bin/foo"][2000]; !ok {
		t.Fatal("pid 2000 not tracked under /usr/bin/foo")
	}
}

func TestAddLaunchedAppSkipsExclusionWhenScanInvalid(t *testing.T) {
	withFakeProc(t, map[int]string{2000: "/usr/bin/foo"})
	r := newTestReconciler(t, newFakeAnchor())
	r.exclusions.Ensure("/usr/bin/foo")
	// prevScan left zero-value: invalid.

	r.AddLaunchedApp(2000)

	if _, ok := r.exclusions["/usr/bin/foo"][2000]; ok {
		t.Fatal("pid 2000 was tracked despite invalid network scan")
	}
}

func TestRemoveTerminatedAppScrubsBothMaps(t *testing.T) {
	r := newTestReconciler(t, newFakeAnchor())
	r.exclusions.Add("/usr/bin/foo", 2000)
	r.vpnOnly.Add("/usr/bin/bar", 2000)

	r.RemoveTerminatedApp(2000)

	if _, ok := r.exclusions["/usr/bin/foo"][2000]; ok {
		t.Fatal("pid 2000 still in exclusions after exit")
	}
	if _, ok := r.vpnOnly["/usr/bin/bar"][2000]; ok {
		t.Fatal("pid 2000 still in vpn-only after exit")
	}
}

func TestUpdateAppsIdempotent(t *testing.T) {
	withFakeProc(t, map[int]string{1234: "/usr/bin/foo"})

	fl := &fakeListener{}
	old := openListener
	openListener = func() (sessionListener, error) { return fl, nil }
	defer func() { openListener = old }()

	r := newTestReconciler(t, newFakeAnchor())
	fw := FirewallParams{
		NetScan:     NetworkScan{PhysIface: "eth0", PhysIP: "1.2.3.4", PhysGateway: "1.2.3.1"},
		ExcludeApps: []string{"/usr/bin/foo"},
	}
	if err := r.InitiateConnection(fw, TunnelState{}); err != nil {
		t.Fatal(err)
	}
	first := len(r.exclusions["/usr/bin/foo"])

	if err := r.UpdateSplitTunnel(fw, TunnelState{}); err != nil {
		t.Fatal(err)
	}
	second := len(r.exclusions["/usr/bin/foo"])

	if first != second || first != 1 {
		t.Fatalf("idempotence broken: first=%d second=%d", first, second)
	}
}

func TestTunnelDisconnectEvictsExcludedKeepsVpnOnly(t *testing.T) {
	withFakeProc(t, map[int]string{1234: "/usr/bin/foo", 5678: "/usr/bin/bar"})

	fl := &fakeListener{}
	old := openListener
	openListener = func() (sessionListener, error) { return fl, nil }
	defer func() { openListener = old }()

	r := newTestReconciler(t, newFakeAnchor())
	fw := FirewallParams{
		NetScan:     NetworkScan{PhysIface: "eth0", PhysIP: "1.2.3.4", PhysGateway: "1.2.3.1"},
		ExcludeApps: []string{"/usr/bin/foo"},
		VpnOnlyApps: []string{"/usr/bin/bar"},
	}
	if err := r.InitiateConnection(fw, TunnelState{}); err != nil {
		t.Fatal(err)
	}
	if !r.exclusions.Has("/usr/bin/foo") {
		t.Fatal("expected /usr/bin/foo tracked while scan valid")
	}

	// Tunnel disconnect: invalid scan.
	fw.NetScan = NetworkScan{}
	if err := r.UpdateSplitTunnel(fw, TunnelState{}); err != nil {
		t.Fatal(err)
	}
	if r.exclusions.Has("/usr/bin/foo") {
		t.Fatal("excluded app still tracked after scan became invalid")
	}
	if !r.vpnOnly.Has("/usr/bin/bar") {
		t.Fatal("vpn-only app lost tracking after scan became invalid")
	}
}

func TestEventsNilWhenNoSession(t *testing.T) {
	r := newTestReconciler(t, newFakeAnchor())
	if ch := r.Events(); ch != nil {
		t.Fatal("Events() = non-nil channel with no active session")
	}
}

func TestDispatchEventTracksExecAndExit(t *testing.T) {
	withFakeProc(t, map[int]string{3000: "/usr/bin/foo"})

	fl := &fakeListener{}
	old := openListener
	openListener = func() (sessionListener, error) { return fl, nil }
	defer func() { openListener = old }()

	r := newTestReconciler(t, newFakeAnchor())
	r.exclusions.Ensure("/usr/bin/foo")
	fw := FirewallParams{
		NetScan:     NetworkScan{PhysIface: "eth0", PhysIP: "1.2.3.4", PhysGateway: "1.2.3.1"},
		ExcludeApps: []string{"/usr/bin/foo"},
	}
	if err := r.InitiateConnection(fw, TunnelState{}); err != nil {
		t.Fatal(err)
	}
	if r.Events() == nil {
		t.Fatal("Events() = nil with an active session")
	}

	r.DispatchEvent(procevents.Event{Type: procevents.EventExec, Pid: 3000})
	if _, ok := r.exclusions["/usr/bin/foo"][3000]; !ok {
		t.Fatal("exec event did not track pid")
	}

	r.DispatchEvent(procevents.Event{Type: procevents.EventExit, Pid: 3000})
	if _, ok := r.exclusions["/usr/bin/foo"][3000]; ok {
		t.Fatal("exit event did not untrack pid")
	}
}

// TestUpdateNetworkReinstallsMasqueradeOnlyOnInterfaceChange exercises
// spec.md scenario 5 (interface change reinstalls the masquerade
// anchor) and the no-op half of testable property 4 (rule uniqueness)
// through the Reconciler rather than pkg/rules in isolation: two
// UpdateSplitTunnel calls with an unchanged PhysIface must not touch
// the anchor a second time, and a changed PhysIface must reinstall it
// with the new interface's rules.
func TestUpdateNetworkReinstallsMasqueradeOnlyOnInterfaceChange(t *testing.T) {
	fl := &fakeListener{}
	old := openListener
	openListener = func() (sessionListener, error) { return fl, nil }
	defer func() { openListener = old }()

	anchor := newFakeAnchor()
	r := newTestReconciler(t, anchor)

	fw := FirewallParams{NetScan: NetworkScan{PhysIface: "eth0", PhysIP: "1.2.3.4", PhysGateway: "1.2.3.1"}}
	if err := r.InitiateConnection(fw, TunnelState{}); err != nil {
		t.Fatal(err)
	}
	got := anchor.rules[rules.AnchorTransIP]
	if len(got) != 2 || got[0] != "-o eth0 -j MASQUERADE" {
		t.Fatalf("masquerade anchor = %v, want eth0 rules", got)
	}
	callsAfterFirst := anchor.replaceCalls[rules.AnchorTransIP]

	// Same interface again: must not reinstall the anchor.
	if err := r.UpdateSplitTunnel(fw, TunnelState{}); err != nil {
		t.Fatal(err)
	}
	if anchor.replaceCalls[rules.AnchorTransIP] != callsAfterFirst {
		t.Fatalf("masquerade anchor replaced on unchanged interface: calls=%d, want %d",
			anchor.replaceCalls[rules.AnchorTransIP], callsAfterFirst)
	}

	// Interface changes eth0 -> wlan0: must reinstall with the new
	// interface's rules.
	fw.NetScan.PhysIface = "wlan0"
	if err := r.UpdateSplitTunnel(fw, TunnelState{}); err != nil {
		t.Fatal(err)
	}
	if anchor.replaceCalls[rules.AnchorTransIP] != callsAfterFirst+1 {
		t.Fatalf("masquerade anchor not reinstalled on interface change: calls=%d, want %d",
			anchor.replaceCalls[rules.AnchorTransIP], callsAfterFirst+1)
	}
	got = anchor.rules[rules.AnchorTransIP]
	if len(got) != 2 || got[0] != "-o wlan0 -j MASQUERADE" {
		t.Fatalf("masquerade anchor = %v, want wlan0 rules", got)
	}
}
