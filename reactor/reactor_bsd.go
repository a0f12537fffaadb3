//go:build darwin || freebsd || netbsd || openbsd || dragonfly

// File: reactor/reactor_bsd.go
// Package reactor - kqueue implementation for the BSD family.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq       int
	wakeR    int
	wakeW    int
	events   []unix.Kevent_t
	interest map[int][2]bool // fd -> {readable, writable}
}

func newPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	unix.SetNonblock(pipe[0], true)
	unix.SetNonblock(pipe[1], true)

	p := &kqueuePoller{
		kq:       kq,
		wakeR:    pipe[0],
		wakeW:    pipe[1],
		events:   make([]unix.Kevent_t, 128),
		interest: make(map[int][2]bool),
	}
	var ev unix.Kevent_t
	unix.SetKevent(&ev, p.wakeR, unix.EVFILT_READ, unix.EV_ADD)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		p.Close()
		return nil, fmt.Errorf("kevent add wake pipe: %w", err)
	}
	return p, nil
}

func (p *kqueuePoller) apply(fd int, readable, writable bool) error {
	prev := p.interest[fd]
	changes := make([]unix.Kevent_t, 0, 2)

	if readable != prev[0] {
		var ev unix.Kevent_t
		flag := unix.EV_DELETE
		if readable {
			flag = unix.EV_ADD
		}
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, flag)
		changes = append(changes, ev)
	}
	if writable != prev[1] {
		var ev unix.Kevent_t
		flag := unix.EV_DELETE
		if writable {
			flag = unix.EV_ADD
		}
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, flag)
		changes = append(changes, ev)
	}
	if len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil && err != unix.ENOENT {
			return fmt.Errorf("kevent change: %w", err)
		}
	}
	p.interest[fd] = [2]bool{readable, writable}
	return nil
}

func (p *kqueuePoller) Add(fd int, readable, writable bool) error {
	delete(p.interest, fd)
	return p.apply(fd, readable, writable)
}

func (p *kqueuePoller) Modify(fd int, readable, writable bool) error {
	return p.apply(fd, readable, writable)
}

func (p *kqueuePoller) Remove(fd int) error {
	err := p.apply(fd, false, false)
	delete(p.interest, fd)
	return err
}

func (p *kqueuePoller) Wait(dst []Event, timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("kevent wait: %w", err)
	}

	out := 0
	for i := 0; i < n && out < len(dst); i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		if fd == p.wakeR {
			var buf [64]byte
			for {
				if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
					break
				}
			}
			continue
		}
		e := Event{FD: fd}
		switch ev.Filter {
		case unix.EVFILT_READ:
			e.Readable = true
		case unix.EVFILT_WRITE:
			e.Writable = true
		}
		if ev.Flags&unix.EV_EOF != 0 {
			e.Readable = true
			e.Closed = true
		}
		dst[out] = e
		out++
	}
	return out, nil
}

func (p *kqueuePoller) Wakeup() error {
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kq)
}
