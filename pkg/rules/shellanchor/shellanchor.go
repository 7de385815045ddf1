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

// Package shellanchor is a reference implementation of
// rules.AnchorController that shells out directly to iptables,
// grounded in runsc/cmd/do.go's setupNet/cleanupNet pattern of
// building a command-string slice and running each with exec.Command.
// It is not the production anchor facility spec.md §1 treats as an
// external collaborator — that facility commits rule sets atomically
// across an entire chain, which a sequence of iptables invocations
// cannot do. This package exists for the simulate-* CLI subcommands
// and for tests that want a real, observable ruleset without a mock.
package shellanchor

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shellanchor")

// chain maps a (direction, table) pair to the iptables chain name used
// for the anchor's rules. Both anchors named in spec.md §6 live in a
// single well-known chain per table, created by an external anchor
// setup step; this package only appends/flushes within that chain, the
// same way do.go only ever adds/deletes the exact rules it installed.
func chain(name string) string {
	return "SPLITTUN-" + strings.ToUpper(strings.ReplaceAll(name, ".", "-"))
}

// Controller is a minimal, non-atomic AnchorController: it flushes and
// repopulates a dedicated iptables chain per anchor name.
type Controller struct {
	mu sync.Mutex
}

// SetAnchorEnabled jumps into (enabled) or out of (disabled) the named
// anchor's chain from the fixed OUTPUT/POSTROUTING hook appropriate
// for direction.
func (c *Controller) SetAnchorEnabled(direction, name string, enabled bool, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hook := hookFor(direction)
	ch := chain(name)
	verb := "-D"
	if enabled {
		verb = "-I"
	}
	// Deleting a jump that was never installed is harmless; iptables
	// returns non-zero but there is nothing to clean up.
	_ = run("iptables", "-t", table, verb, hook, "-j", ch)
	if enabled {
		return ensureChain(table, ch)
	}
	return nil
}

// ReplaceAnchor flushes the anchor's chain and repopulates it with
// rules, one iptables invocation per rule. The replacement is not
// atomic: between the flush and the last append the chain holds only
// part of the new rule set, and a failed append leaves it that way.
func (c *Controller) ReplaceAnchor(direction, name string, ruleArgs []string, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := chain(name)
	if err := ensureChain(table, ch); err != nil {
		return err
	}
	if err := run("iptables", "-t", table, "-F", ch); err != nil {
		return err
	}
	for _, args := range ruleArgs {
		fields := strings.Fields(args)
		cmd := append([]string{"-t", table, "-A", ch}, fields...)
		if err := run("iptables", cmd...); err != nil {
			return fmt.Errorf("append rule %q to %s: %w", args, ch, err)
		}
	}
	return nil
}

func ensureChain(table, ch string) error {
	if err := run("iptables", "-t", table, "-N", ch); err != nil {
		// Chain already existing is not a failure; iptables -N
		// returns non-zero ("Chain already exists") in that case.
		log.WithField("chain", ch).Debug("chain likely already exists")
	}
	return nil
}

func hookFor(direction string) string {
	if direction == "out" {
		return "POSTROUTING"
	}
	return "OUTPUT"
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
