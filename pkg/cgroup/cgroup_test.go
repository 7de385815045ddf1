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

package cgroup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/netshield/splittun/pkg/procfs"
)

type write struct {
	path string
	pid  int
}

func fakeAddTask(t *testing.T) (*[]write, func()) {
	t.Helper()
	var writes []write
	old := addTask
	addTask = func(path string, pid int) error {
		writes = append(writes, write{path, pid})
		return nil
	}
	return &writes, func() { addTask = old }
}

func TestWriterAddPIDRecursesDescendants(t *testing.T) {
	writes, restore := fakeAddTask(t)
	defer restore()

	root := t.TempDir()
	mk := func(pid, ppid int, exe string) {
		dir := filepath.Join(root, itoa(pid))
		os.MkdirAll(dir, 0o755)
		os.WriteFile(filepath.Join(dir, "status"), []byte("PPid:\t"+itoa(ppid)+"\n"), 0o644)
		if exe != "" {
			os.Symlink(exe, filepath.Join(dir, "exe"))
		}
	}
	mk(3000, 1, "/usr/bin/foo")
	mk(3001, 3000, "/bin/sh")
	oldRoot := procfs.Root
	procfs.Root = root
	defer func() { procfs.Root = oldRoot }()

	w := &Writer{Path: "/splittun/bypass", ParentPath: "/splittun"}
	w.AddPID(3000)

	got := map[int]bool{}
	for _, wr := range *writes {
		if wr.path != "/splittun/bypass" {
			t.Errorf("unexpected cgroup path %q", wr.path)
		}
		got[wr.pid] = true
	}
	if !got[3000] || !got[3001] {
		t.Fatalf("AddPID(3000) wrote %v, want both 3000 and 3001", *writes)
	}
}

func TestWriterRemovePIDWritesParent(t *testing.T) {
	writes, restore := fakeAddTask(t)
	defer restore()

	w := &Writer{Path: "/splittun/bypass", ParentPath: "/splittun"}
	w.RemovePID(42)

	if len(*writes) != 1 || (*writes)[0].path != "/splittun" || (*writes)[0].pid != 42 {
		t.Fatalf("RemovePID(42) = %v, want single write to parent path", *writes)
	}
}

func TestAddOneSwallowsVanishedProcess(t *testing.T) {
	old := addTask
	addTask = func(path string, pid int) error { return errors.New("no such process") }
	defer func() { addTask = old }()

	w := &Writer{Path: "/splittun/bypass"}
	w.addOne(999999) // must not panic or propagate
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
