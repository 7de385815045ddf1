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

// Package rules manages the non-process pieces of kernel state a
// split-tunnel session depends on: the MASQUERADE anchor, the two
// policy-routing tables, the source-IP rules that bind an address to a
// table, and the reverse-path-filter sysctl. Every operation here is
// idempotent, the way runsc/cmd/do.go's setupNet/cleanupNet shell out
// to the same "ip"/"iptables" commands on both the happy path and the
// teardown path.
package rules

import (
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

var log = logrus.WithField("component", "rules")

// Anchor names, stable across the life of the daemon per spec.md §6.
const (
	// AnchorTagPkts is the mangle-table anchor that reads cgroup
	// membership and sets an fwmark. Installed once per session and
	// never rewritten afterward.
	AnchorTagPkts = "100.tagPkts"

	// AnchorTransIP is the NAT-table MASQUERADE anchor, replaced every
	// time the physical interface changes.
	AnchorTransIP = "100.transIp"

	// sourceIPRulePriority is the fixed priority used for every
	// source-IP routing rule this package installs.
	sourceIPRulePriority = 101
)

// AnchorController is the external firewall-anchor collaborator
// (spec.md §6). Its implementation — committing a ruleset atomically
// into the iptables/nftables anchor facility — is out of scope for
// this module; Controller only calls it.
type AnchorController interface {
	// SetAnchorEnabled enables or disables the named anchor.
	SetAnchorEnabled(direction, name string, enabled bool, table string) error
	// ReplaceAnchor atomically replaces the named anchor's rule set.
	ReplaceAnchor(direction, name string, rules []string, table string) error
}

// Tables names the two policy-routing tables the Controller installs
// default routes into. Both are plain /etc/iproute2/rt_tables numeric
// IDs; the "name" is only used for logging.
type Tables struct {
	BypassName  string
	BypassID    int
	VPNOnlyName string
	VPNOnlyID   int
}

// Controller owns the anchors, routes, rules and rp_filter sysctl for
// one split-tunnel session.
type Controller struct {
	Anchor AnchorController
	Tables Tables

	// savedRPFilter holds the sysctl value read before this session
	// set it to loose (2), so RestoreRPF can restore it verbatim —
	// including a value that changed out-of-band during the session,
	// which is the documented, intended behavior (spec.md §9).
	savedRPFilter string
	rpFilterSaved bool
}

// UpdateMasquerade installs MASQUERADE rules for iface (and for any
// tun+ device) into AnchorTransIP. An empty iface empties the anchor
// instead, mirroring runsc/cmd/do.go's pattern of tearing down the
// exact rules it installed.
func (c *Controller) UpdateMasquerade(iface string) error {
	if iface == "" {
		log.Debug("clearing masquerade anchor, no physical interface")
		return c.Anchor.ReplaceAnchor("out", AnchorTransIP, nil, "nat")
	}
	log.WithField("iface", iface).Debug("installing masquerade anchor")
	rules := []string{
		fmt.Sprintf("-o %s -j MASQUERADE", iface),
		"-o tun+ -j MASQUERADE",
	}
	return c.Anchor.ReplaceAnchor("out", AnchorTransIP, rules, "nat")
}

// UpdateRoutes installs/replaces the default route in each policy
// table whose inputs are non-empty, then flushes the kernel route
// cache. Uses "replace" semantics throughout so a spurious call is
// harmless (spec.md §4.3).
func (c *Controller) UpdateRoutes(physIface, physGateway, tunnelIface, tunnelRemote string) error {
	if physGateway != "" && physIface != "" {
		if err := replaceDefaultRoute(physIface, physGateway, c.Tables.BypassID); err != nil {
			log.WithFields(logrus.Fields{"table": c.Tables.BypassName, "err": err}).Warn("replace bypass default route")
		}
	}
	if tunnelRemote != "" && tunnelIface != "" {
		if err := replaceDefaultRoute(tunnelIface, tunnelRemote, c.Tables.VPNOnlyID); err != nil {
			log.WithFields(logrus.Fields{"table": c.Tables.VPNOnlyName, "err": err}).Warn("replace vpn-only default route")
		}
	}
	return flushRouteCache()
}

// These are package variables rather than plain functions so tests can
// substitute fakes without a real netlink socket, real "ip"/"sysctl"
// binaries, or root privileges.
var (
	replaceDefaultRoute = replaceDefaultRouteReal
	flushRouteCache     = flushRouteCacheReal
	netlinkRuleAdd      = netlink.RuleAdd
	netlinkRuleDel      = netlink.RuleDel
	readSysctl          = readSysctlReal
	writeSysctl         = writeSysctlReal
)

func replaceDefaultRouteReal(iface, gateway string, table int) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link %q: %w", iface, err)
	}
	gw := net.ParseIP(gateway)
	if gw == nil {
		return fmt.Errorf("invalid gateway %q", gateway)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gw,
		Table:     table,
	}
	return netlink.RouteReplace(route)
}

func flushRouteCacheReal() error {
	out, err := exec.Command("ip", "route", "flush", "cache").CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip route flush cache: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// AddRoutingPolicyForSourceIP binds srcIP to table with the fixed
// priority 101. An empty srcIP is a no-op.
func (c *Controller) AddRoutingPolicyForSourceIP(srcIP string, table int) error {
	if srcIP == "" {
		return nil
	}
	rule, err := sourceIPRule(srcIP, table)
	if err != nil {
		return err
	}
	op := func() error { return netlinkRuleAdd(rule) }
	return retryOnce(op)
}

// RemoveRoutingPolicyForSourceIP removes the rule previously installed
// by AddRoutingPolicyForSourceIP. An empty srcIP is a no-op; a rule
// that is already gone is not an error.
func (c *Controller) RemoveRoutingPolicyForSourceIP(srcIP string, table int) error {
	if srcIP == "" {
		return nil
	}
	rule, err := sourceIPRule(srcIP, table)
	if err != nil {
		return err
	}
	if err := netlinkRuleDel(rule); err != nil && !strings.Contains(err.Error(), "no such") {
		return err
	}
	return nil
}

func sourceIPRule(srcIP string, table int) (*netlink.Rule, error) {
	ip := net.ParseIP(srcIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid source ip %q", srcIP)
	}
	rule := netlink.NewRule()
	rule.Table = table
	rule.Priority = sourceIPRulePriority
	rule.Src = &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)}
	return rule, nil
}

// retryOnce gives a single netlink operation one bounded retry, the
// way runsc/container/container.go retries the gofer-exit check with
// backoff.Retry around a constant backoff. Kernel route-table updates
// can transiently fail with EAGAIN under concurrent netlink writers;
// a single extra attempt clears that without masking a real failure.
func retryOnce(op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 1)
	return backoff.Retry(op, b)
}

const rpFilterPath = "net.ipv4.conf.all.rp_filter"

// EnableLooseRPF reads the current rp_filter sysctl; if it is not
// already loose (2), saves the old value and sets it to 2. Packets
// from excluded apps leave via the physical interface with a source IP
// that differs from the tunnel's default route, and strict RPF would
// drop them.
func (c *Controller) EnableLooseRPF() error {
	cur, err := readSysctl(rpFilterPath)
	if err != nil {
		return err
	}
	if cur == "2" {
		return nil
	}
	c.savedRPFilter = cur
	c.rpFilterSaved = true
	return writeSysctl(rpFilterPath, "2")
}

// RestoreRPF writes back the value saved by EnableLooseRPF, verbatim,
// even if the live value has since changed out-of-band — that
// overwrite is the intended behavior (spec.md §9).
func (c *Controller) RestoreRPF() error {
	if !c.rpFilterSaved {
		return nil
	}
	err := writeSysctl(rpFilterPath, c.savedRPFilter)
	c.rpFilterSaved = false
	return err
}

func readSysctlReal(key string) (string, error) {
	out, err := exec.Command("sysctl", "-n", key).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("sysctl -n %s: %w", key, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func writeSysctlReal(key, value string) error {
	out, err := exec.Command("sysctl", "-w", key+"="+value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("sysctl -w %s=%s: %w (%s)", key, value, err, strings.TrimSpace(string(out)))
	}
	return nil
}
