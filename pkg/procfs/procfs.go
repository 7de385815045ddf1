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

// Package procfs answers stateless queries against /proc: PID
// enumeration, executable-path resolution, parent-PID lookup and
// descendant enumeration. Every operation tolerates a PID disappearing
// mid-call; none of them return an error for that case, since a
// vanished process is not a fault condition here.
package procfs

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// maxDescendantDepth bounds the recursion in DescendantsOf. A correct
// /proc snapshot cannot contain a cycle, but a torn snapshot taken while
// processes fork and reparent concurrently could in principle produce
// one; this is the backstop.
const maxDescendantDepth = 128

var pidEntry = regexp.MustCompile(`^[1-9][0-9]*$`)

// Root is the mount point this package queries. Tests override it to
// point at a fake tree.
var Root = "/proc"

// EnumeratePids lists every numeric entry directly under Root.
func EnumeratePids() []int {
	entries, err := os.ReadDir(Root)
	if err != nil {
		return nil
	}
	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !pidEntry.MatchString(e.Name()) {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// PathForPid resolves the exe symlink for pid. It returns the empty
// string on any failure: permission denied, the process already
// reaped, or a kernel thread with no exe. Callers must treat an empty
// result as "ignore this PID", never as an error.
func PathForPid(pid int) string {
	path, err := os.Readlink(exePath(pid))
	if err != nil {
		return ""
	}
	return path
}

func exePath(pid int) string {
	return Root + "/" + strconv.Itoa(pid) + "/exe"
}

// ParentPidOf reads /proc/<pid>/status and returns the PPid field. The
// bool is false if the file could not be read or parsed, which happens
// whenever the process has already exited.
func ParentPidOf(pid int) (int, bool) {
	f, err := os.Open(Root + "/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "PPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return 0, false
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return ppid, true
	}
	return 0, false
}

// DescendantsOf returns the transitive closure of pid's children,
// computed by filtering a single /proc snapshot for entries whose
// PPid matches and recursing. The snapshot is taken once so the
// result is consistent with itself even if processes exit mid-call.
func DescendantsOf(pid int) []int {
	pids := EnumeratePids()
	parent := make(map[int]int, len(pids))
	for _, p := range pids {
		if ppid, ok := ParentPidOf(p); ok {
			parent[p] = ppid
		}
	}

	var out []int
	var walk func(root int, depth int)
	walk = func(root int, depth int) {
		if depth > maxDescendantDepth {
			return
		}
		for p, ppid := range parent {
			if ppid != root {
				continue
			}
			out = append(out, p)
			walk(p, depth+1)
		}
	}
	walk(pid, 0)
	return out
}

// IsAlive reports whether pid still names a live process, using a
// signal-0 probe the way runsc's gofer-exit wait does
// (backoff.Retry around unix.Kill(pid, 0)). It gives a definite
// answer where a /proc read may have raced a process exit; nothing
// else in this module calls it.
func IsAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
