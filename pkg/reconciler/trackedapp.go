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

// TrackedAppMap is path -> set of live PIDs. ExclusionsMap and
// VpnOnlyMap (spec.md §3) are both instances of this one type; they
// differ only in which cgroup their Writer points at and in the
// gating condition the Reconciler applies before populating them, not
// in their own behavior (spec.md §9, "polymorphic map values").
type TrackedAppMap map[string]map[int]struct{}

// Paths returns the currently-tracked executable paths.
func (m TrackedAppMap) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	return paths
}

// Has reports whether path has an entry (even an empty PID set).
func (m TrackedAppMap) Has(path string) bool {
	_, ok := m[path]
	return ok
}

// Ensure creates an empty entry for path if one doesn't already exist.
func (m TrackedAppMap) Ensure(path string) {
	if _, ok := m[path]; !ok {
		m[path] = map[int]struct{}{}
	}
}

// PIDs returns the PID set tracked for path.
func (m TrackedAppMap) PIDs(path string) map[int]struct{} {
	return m[path]
}

// Add inserts pid under path, creating the entry if needed.
func (m TrackedAppMap) Add(path string, pid int) {
	m.Ensure(path)
	m[path][pid] = struct{}{}
}

// Delete drops path's entry entirely.
func (m TrackedAppMap) Delete(path string) {
	delete(m, path)
}

// RemoveEverywhere removes pid from every path's set, regardless of
// which one it actually belongs to. RemoveTerminatedApp relies on this
// forgiving behavior (spec.md §4.5, §9 open question): since a PID can
// only actually live in one map, scrubbing it from all of them can
// never be wrong, and it avoids a leak if the original insertion path
// is unknown to the caller.
func (m TrackedAppMap) RemoveEverywhere(pid int) {
	for path, pids := range m {
		if _, ok := pids[pid]; ok {
			delete(pids, pid)
			if len(pids) == 0 {
				// Leave the (now-empty) entry: the app rule is still
				// configured, it simply has no live PIDs right now.
				m[path] = pids
			}
		}
	}
}

// toSet converts an ordered, duplicate-tolerant sequence of paths
// (spec.md §6, FirewallParams.excludeApps/vpnOnlyApps) into a set.
func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}
