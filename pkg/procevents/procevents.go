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

// Package procevents listens for PROC_EVENT_EXEC/PROC_EVENT_EXIT
// notifications on a NETLINK_CONNECTOR socket subscribed to
// CN_IDX_PROC. The wire format (nlmsghdr + cn_msg + proc_event) is
// kernel ABI: packed with no implicit padding between header, body,
// and event, serialized by byte copy rather than a field-wise encoder
// — see spec.md §9. golang.org/x/sys/unix supplies the raw socket and
// sockaddr plumbing the same way runsc/cmd/do.go and
// runsc/container/container.go use it for other syscalls the standard
// library doesn't expose.
package procevents

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "procevents")

// Connector protocol constants from linux/cn_proc.h / linux/connector.h.
// golang.org/x/sys/unix does not export these (they are not generic
// netlink constants), so they are declared here verbatim.
const (
	cnIdxProc = 0x1
	cnValProc = 0x1

	procCNMcastListen = 1
	procCNMcastIgnore = 2

	procEventExec = 0x00000002
	procEventExit = 0x80000000
)

const (
	nlmsghdrLen = 16 // struct nlmsghdr
	cnMsgLen    = 20 // struct cn_msg, header only (no payload)
)

// EventType classifies a dispatched process event. Event codes other
// than exec/exit are dropped before reaching this type (spec.md §4.4).
type EventType int

const (
	// EventExec corresponds to PROC_EVENT_EXEC.
	EventExec EventType = iota
	// EventExit corresponds to PROC_EVENT_EXIT.
	EventExit
)

// Event is a single dispatched process-lifecycle notification.
type Event struct {
	Type EventType
	Pid  int
}

// Listener owns one NETLINK_CONNECTOR socket subscribed to
// CN_IDX_PROC. It is not safe for concurrent use beyond Close()
// interrupting the internal readLoop goroutine.
type Listener struct {
	fd     int
	events chan Event
}

// Open creates the socket, sets close-on-exec so the daemon's spawned
// children never inherit it (spec.md §4.4), binds it to our pid in the
// CN_IDX_PROC multicast group, and sends PROC_CN_MCAST_LISTEN to
// subscribe. On any failure the socket is closed and no other state is
// mutated, matching the "abandon without mutating any other state"
// rule in spec.md §4.5 step 2.
func Open() (*Listener, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, fmt.Errorf("open netlink connector socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: uint32(os.Getpid()), Groups: cnIdxProc}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind netlink connector socket: %w", err)
	}

	l := &Listener{fd: fd, events: make(chan Event, 64)}
	op := func() error { return l.sendMcastOp(procCNMcastListen) }
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(25*time.Millisecond), 2)
	if err := backoff.Retry(op, b); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("subscribe to CN_IDX_PROC: %w", err)
	}

	go l.readLoop()
	return l, nil
}

// Fd returns the underlying socket descriptor. It exists for a daemon
// that wants to register the descriptor with its own epoll-style
// readiness notifier instead of (or in addition to) draining Events();
// this package's own readLoop already does the "exactly one message
// per readiness edge" consumption spec.md §4.4 requires.
func (l *Listener) Fd() int { return l.fd }

// Events returns the channel process events are delivered on. The
// channel is closed when the underlying socket is closed.
func (l *Listener) Events() <-chan Event { return l.events }

// readLoop consumes one message at a time until the socket is closed,
// parses it, and forwards EXEC/EXIT events to the channel. It exits
// silently when Close() closes the descriptor out from under Recvfrom.
func (l *Listener) readLoop() {
	defer close(l.events)
	buf := make([]byte, 4096)
	for {
		n, _, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			return
		}
		ev, ok := parseProcEvent(buf[:n])
		if !ok {
			continue // PROC_EVENT_NONE or an event code we don't dispatch.
		}
		select {
		case l.events <- ev:
		default:
			log.Warn("event channel full, dropping event; next reconciliation pass will recover")
		}
	}
}

// Close unsubscribes and closes the socket, which also terminates
// readLoop.
func (l *Listener) Close() error {
	_ = l.sendMcastOp(procCNMcastIgnore)
	return unix.Close(l.fd)
}

// sendMcastOp sends a cn_msg wrapping a single proc_cn_mcast_op value
// to the kernel, addressed to pid 0 (the kernel itself).
func (l *Listener) sendMcastOp(op uint32) error {
	msg := make([]byte, nlmsghdrLen+cnMsgLen+4)

	binary.LittleEndian.PutUint32(msg[0:4], uint32(len(msg))) // nlmsg_len
	binary.LittleEndian.PutUint16(msg[4:6], uint16(unix.NLMSG_DONE))
	binary.LittleEndian.PutUint16(msg[6:8], 0) // nlmsg_flags
	binary.LittleEndian.PutUint32(msg[8:12], 0) // nlmsg_seq
	binary.LittleEndian.PutUint32(msg[12:16], uint32(os.Getpid()))

	cn := msg[nlmsghdrLen:]
	binary.LittleEndian.PutUint32(cn[0:4], cnIdxProc)
	binary.LittleEndian.PutUint32(cn[4:8], cnValProc)
	binary.LittleEndian.PutUint32(cn[8:12], 0)  // seq
	binary.LittleEndian.PutUint32(cn[12:16], 0) // ack
	binary.LittleEndian.PutUint16(cn[16:18], 4) // len: sizeof(proc_cn_mcast_op)
	binary.LittleEndian.PutUint16(cn[18:20], 0) // flags
	binary.LittleEndian.PutUint32(cn[20:24], op)

	return unix.Sendto(l.fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

// parseProcEvent decodes a kernel response: nlmsghdr, cn_msg, then the
// proc_event union. Only the `what` field and the exec/exit process_pid
// are read; the rest of the union (cpu, timestamp, other event kinds)
// is intentionally not modeled, matching spec.md §6's "consumed
// fields" list.
func parseProcEvent(b []byte) (Event, bool) {
	const procEventHeaderLen = 16 // what(4) + cpu(4) + timestamp_ns(8)

	if len(b) < nlmsghdrLen+cnMsgLen {
		return Event{}, false
	}
	body := b[nlmsghdrLen+cnMsgLen:]
	if len(body) < procEventHeaderLen+4 {
		return Event{}, false
	}
	what := binary.LittleEndian.Uint32(body[0:4])
	pid := int(binary.LittleEndian.Uint32(body[procEventHeaderLen : procEventHeaderLen+4]))

	switch what {
	case procEventExec:
		return Event{Type: EventExec, Pid: pid}, true
	case procEventExit:
		return Event{Type: EventExit, Pid: pid}, true
	default:
		return Event{}, false
	}
}
