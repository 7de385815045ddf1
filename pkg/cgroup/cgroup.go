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

// Package cgroup writes PIDs into pre-mounted cgroup v1 hierarchies.
// It does not create, configure, or delete cgroups: the two named
// cgroups (one per traffic class) and their binding to netfilter rules
// are assumed to already exist, set up outside this package.
package cgroup

import (
	"strings"

	"github.com/containerd/cgroups"
	"github.com/sirupsen/logrus"

	"github.com/netshield/splittun/pkg/procfs"
)

var log = logrus.WithField("component", "cgroup")

// Writer adds and removes PIDs from a pair of pre-mounted cgroups: a
// specialized one (exclusions or vpn-only) and the parent/default one
// that a PID is transferred back into on removal.
type Writer struct {
	// Path is the absolute cgroup path (e.g. "/splittun/bypass") of the
	// specialized cgroup this Writer manages.
	Path string

	// ParentPath is the cgroup PIDs are written to on removal. The
	// cgroup v1 net_cls model allows a PID in exactly one cgroup per
	// hierarchy, so "removal" is really reassignment to the parent.
	ParentPath string
}

// AddPID writes pid into the specialized cgroup, then recursively does
// the same for every descendant PID currently visible under /proc.
// The recursion compensates for PROC_EVENT_EXEC only naming the
// exec'd PID: children forked before the rule existed are otherwise
// invisible.
//
// Failures are logged and swallowed. An already-exited PID is not an
// error; the next reconciliation pass will simply not find it again.
func (w *Writer) AddPID(pid int) {
	w.addOne(pid)
	for _, d := range procfs.DescendantsOf(pid) {
		w.addOne(d)
	}
}

// RemovePID transfers pid (and its current descendants) back to
// ParentPath.
func (w *Writer) RemovePID(pid int) {
	w.removeOne(pid)
	for _, d := range procfs.DescendantsOf(pid) {
		w.removeOne(d)
	}
}

func (w *Writer) addOne(pid int) {
	if err := addTask(w.Path, pid); err != nil {
		log.WithFields(logrus.Fields{"pid": pid, "cgroup": w.Path}).Warnf("add pid to cgroup: %v", err)
	}
}

func (w *Writer) removeOne(pid int) {
	if err := addTask(w.ParentPath, pid); err != nil {
		log.WithFields(logrus.Fields{"pid": pid, "cgroup": w.ParentPath}).Warnf("remove pid from cgroup: %v", err)
	}
}

// addTask is a package variable so tests can replace the real
// cgroups.Load/Add call with a fake that records writes without a
// mounted cgroupfs.
var addTask = addTaskReal

// addTaskReal loads the cgroup at path (assumed already mounted by an
// external setup step, per the package-level Non-goal) and adds pid to
// it. Loading rather than creating means this package never manages
// the cgroup hierarchy itself.
func addTaskReal(path string, pid int) error {
	cg, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(path))
	if err != nil {
		return err
	}
	err = cg.Add(cgroups.Process{Pid: pid})
	if err == nil {
		return nil
	}
	// A PID that exited between the caller's enumeration and this
	// write is not a real failure; cgroups.Add surfaces it as an
	// ESRCH-flavored error string from the kernel.
	if strings.Contains(err.Error(), "no such process") {
		return nil
	}
	return err
}
