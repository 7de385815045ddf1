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

package procevents

import (
	"encoding/binary"
	"testing"
)

// buildProcEvent assembles a fake nlmsghdr + cn_msg + proc_event
// payload carrying a single exec/exit notification, mirroring the
// layout readLoop/parseProcEvent expect from the kernel.
func buildProcEvent(what uint32, pid int) []byte {
	const procEventHeaderLen = 16
	body := make([]byte, procEventHeaderLen+8) // header + process_pid + process_tgid
	binary.LittleEndian.PutUint32(body[0:4], what)
	binary.LittleEndian.PutUint32(body[procEventHeaderLen:procEventHeaderLen+4], uint32(pid))

	msg := make([]byte, nlmsghdrLen+cnMsgLen+len(body))
	copy(msg[nlmsghdrLen+cnMsgLen:], body)
	binary.LittleEndian.PutUint32(msg[0:4], uint32(len(msg)))
	return msg
}

func TestParseProcEventExec(t *testing.T) {
	msg := buildProcEvent(procEventExec, 2000)
	ev, ok := parseProcEvent(msg)
	if !ok {
		t.Fatal("parseProcEvent() ok = false")
	}
	if ev.Type != EventExec || ev.Pid != 2000 {
		t.Fatalf("event = %+v, want {EventExec 2000}", ev)
	}
}

func TestParseProcEventExit(t *testing.T) {
	msg := buildProcEvent(procEventExit, 2000)
	ev, ok := parseProcEvent(msg)
	if !ok {
		t.Fatal("parseProcEvent() ok = false")
	}
	if ev.Type != EventExit || ev.Pid != 2000 {
		t.Fatalf("event = %+v, want {EventExit 2000}", ev)
	}
}

func TestParseProcEventIgnoresOtherCodes(t *testing.T) {
	msg := buildProcEvent(0x00000001 /* PROC_EVENT_FORK */, 2000)
	if _, ok := parseProcEvent(msg); ok {
		t.Fatal("parseProcEvent() ok = true for a non exec/exit event")
	}
}

func TestParseProcEventTooShort(t *testing.T) {
	if _, ok := parseProcEvent(make([]byte, 4)); ok {
		t.Fatal("parseProcEvent() ok = true for truncated message")
	}
}

func TestEventsChannelBuffered(t *testing.T) {
	l := &Listener{events: make(chan Event, 1)}
	l.events <- Event{Type: EventExec, Pid: 1}
	select {
	case ev := <-l.Events():
		if ev.Pid != 1 {
			t.Fatalf("got pid %d, want 1", ev.Pid)
		}
	default:
		t.Fatal("expected buffered event")
	}
}
