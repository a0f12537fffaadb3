// File: server/listener.go
// Package server — the non-blocking listening socket and accept batch.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/momentics/socketd/internal/session"
)

// acceptBatchSize bounds how many connections one tick accepts so a burst of
// dials cannot starve established traffic.
const acceptBatchSize = 64

// Bind opens the listening socket. Run calls it when it was not called
// explicitly.
func (s *Server) Bind() error {
	if s.listenFD >= 0 {
		return nil
	}

	ip := net.ParseIP(s.cfg.Host)
	if s.cfg.Host == "" {
		ip = net.IPv4zero
	}
	if ip == nil {
		return fmt.Errorf("host %q is not an IP address: %w", s.cfg.Host, ErrBind)
	}

	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %v: %w", err, ErrBind)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("reuseaddr: %v: %w", err, ErrBind)
	}

	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		a := &unix.SockaddrInet4{Port: s.cfg.Port}
		copy(a.Addr[:], ip4)
		sa = a
	} else {
		a := &unix.SockaddrInet6{Port: s.cfg.Port}
		copy(a.Addr[:], ip.To16())
		sa = a
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s:%d: %v: %w", s.cfg.Host, s.cfg.Port, err, ErrBind)
	}
	if err := unix.Listen(fd, 512); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %v: %w", err, ErrBind)
	}

	s.listenFD = fd
	s.log.Info("listening", "host", s.cfg.Host, "port", s.cfg.Port)
	return nil
}

func (s *Server) acceptBatch(now time.Time) {
	for i := 0; i < acceptBatchSize; i++ {
		fd, sa, err := unix.Accept(s.listenFD)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK && err != unix.ECONNABORTED {
				s.log.Warn("accept failed", "err", err)
			}
			return
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			continue
		}
		unix.CloseOnExec(fd)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		s.nextID++
		c := session.New(s.nextID, fd, sockaddrString(sa), uuid.NewString(), s.newLimits(), now)
		if err := s.poller.Add(fd, true, false); err != nil {
			s.log.Warn("poller add failed", "fd", fd, "err", err)
			unix.Close(fd)
			continue
		}
		s.conns[c.ID] = c
		s.byFD[fd] = c
		s.accepted.Add(1)
		s.active.Add(1)
		s.log.Debug("accepted", "client", c.ID, "conn", c.CorrID, "remote", c.RemoteAddr)
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
