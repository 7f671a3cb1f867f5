package uffd

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Registrar is the in-process, VMM-side half of §4.E: it owns the host
// userfault facility for registered regions and hands the fd plus a
// descriptive payload to a peer Handler process over a local socket.
type Registrar struct {
	Log *logrus.Logger

	mu       sync.Mutex
	uffd     uintptr
	conn     *net.UnixConn
	regions  []RegionDescriptor
	live     bool
	peerGone bool
}

// NewRegistrar returns an idle Registrar.
func NewRegistrar() *Registrar { return &Registrar{} }

func (r *Registrar) log() *logrus.Logger {
	if r.Log != nil {
		return r.Log
	}

	return logrus.StandardLogger()
}

// Register opens a userfaultfd, arms missing-page faulting for every
// region, and performs the handshake with the handler listening at
// socketPath. The region is considered live only after the handler acks.
func (r *Registrar) Register(socketPath string, regions []RegionDescriptor) error {
	uffdFD, err := openUserfaultfd()
	if err != nil {
		return fmt.Errorf("open userfaultfd: %w", err)
	}

	for _, region := range regions {
		if err := registerRange(uffdFD, region.Base, region.Length); err != nil {
			syscall.Close(int(uffdFD))

			return fmt.Errorf("register range 0x%x/0x%x: %w", region.Base, region.Length, err)
		}
	}

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		syscall.Close(int(uffdFD))

		return fmt.Errorf("dial handler %s: %w", socketPath, err)
	}

	if err := sendHandshake(conn, uffdFD, regions); err != nil {
		conn.Close()
		syscall.Close(int(uffdFD))

		return err
	}

	ack := make([]byte, 1)
	if _, err := conn.Read(ack); err != nil {
		conn.Close()
		syscall.Close(int(uffdFD))

		return fmt.Errorf("wait for handler ack: %w", err)
	}

	r.mu.Lock()
	r.uffd = uffdFD
	r.conn = conn
	r.regions = regions
	r.live = true
	r.mu.Unlock()

	go r.watchPeer()

	return nil
}

// Live reports whether the handler has acked and no peer-gone fallback has
// kicked in.
func (r *Registrar) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.live && !r.peerGone
}

// watchPeer detects the handler disconnecting while the uffd is still
// live and, per §4.E "Drop and teardown", falls back to zero-filling any
// further faults itself so the guest does not wedge.
func (r *Registrar) watchPeer() {
	buf := make([]byte, 1)

	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()

		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(time.Second))

		_, err := conn.Read(buf)
		if err == nil {
			continue // heartbeat frame, ignore
		}

		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}

		// Any other error (EOF, closed) means the peer is gone.
		r.mu.Lock()
		stillLive := r.live
		r.peerGone = true
		r.mu.Unlock()

		if stillLive {
			r.log().Warn("uffd: handler disconnected, falling back to zero-fill")
			r.zeroFillFallback()
		}

		return
	}
}

// zeroFillFallback services any further faults on the still-registered
// userfault fd by zero-filling them, since no handler remains to pick a
// real source.
func (r *Registrar) zeroFillFallback() {
	pageSize := 4096
	pollFDs := []unix.PollFd{{Fd: int32(r.uffd), Events: unix.POLLIN}}

	for {
		r.mu.Lock()
		uffdFD := r.uffd
		r.mu.Unlock()

		if uffdFD == 0 {
			return
		}

		n, err := unix.Poll(pollFDs, 250)
		if err != nil || n == 0 {
			continue
		}

		addr, _, err := readFault(uffdFD)
		if err != nil {
			return
		}

		mask := uint64(pageSize) - 1
		pageAddr := addr &^ mask

		if err := zeroFill(uffdFD, pageAddr, uint64(pageSize)); err != nil {
			r.log().WithError(err).Error("uffd: fallback zero-fill failed")

			return
		}
	}
}

// Close tears the registrar down: closes the socket and the userfault fd.
// The handler must treat either as end-of-session.
func (r *Registrar) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.live = false

	var err error

	if r.conn != nil {
		err = r.conn.Close()
		r.conn = nil
	}

	if r.uffd != 0 {
		if cerr := syscall.Close(int(r.uffd)); cerr != nil && err == nil {
			err = cerr
		}

		r.uffd = 0
	}

	return err
}
