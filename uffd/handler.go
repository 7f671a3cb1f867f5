package uffd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Handler is the peer-process endpoint of §4.E: it accepts the registrar's
// handshake, then runs the single-writer fault loop, picking a fill source
// per page via the configured Policy.
type Handler struct {
	Policy Source
	Log    *logrus.Logger

	listenerMu sync.Mutex
	lis        net.Listener

	uffd     uintptr
	regions  []RegionDescriptor
	pageSize int

	fillMu sync.Mutex // serializes fill ioctls; single-writer discipline
	filled map[uint64]bool

	stopCh chan struct{}
}

// NewHandler builds a Handler that selects fills via policy.
func NewHandler(policy Source, pageSize int) *Handler {
	return &Handler{
		Policy:   policy,
		pageSize: pageSize,
		filled:   make(map[uint64]bool),
		stopCh:   make(chan struct{}),
	}
}

func (h *Handler) log() *logrus.Logger {
	if h.Log != nil {
		return h.Log
	}

	return logrus.StandardLogger()
}

// Serve listens on socketPath, accepts exactly one registrar connection,
// completes the handshake, and runs the fault loop until ctx is canceled
// or the registrar disconnects.
func (h *Handler) Serve(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)

	lis, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}

	h.listenerMu.Lock()
	h.lis = lis
	h.listenerMu.Unlock()

	conn, err := lis.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	unixConn := conn.(*net.UnixConn)
	defer unixConn.Close()

	uffdFD, regions, err := receiveHandshake(unixConn)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	// Ack: the registrar considers the region live only after this.
	if _, err := unixConn.Write([]byte{1}); err != nil {
		return fmt.Errorf("ack handshake: %w", err)
	}

	h.uffd = uffdFD
	h.regions = regions

	defer syscall.Close(int(uffdFD))

	return h.faultLoop(ctx, unixConn)
}

func (h *Handler) faultLoop(ctx context.Context, conn *net.UnixConn) error {
	pollFDs := []unix.PollFd{{Fd: int32(h.uffd), Events: unix.POLLIN}}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.stopCh:
			return nil
		default:
		}

		n, err := unix.Poll(pollFDs, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return fmt.Errorf("poll uffd: %w", err)
		}

		if n == 0 {
			continue
		}

		addr, _, err := readFault(h.uffd)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}

			// Socket/fd gone out from under us: end of session.
			return nil
		}

		if err := h.serviceFault(addr); err != nil {
			h.log().WithError(err).Error("uffd: fill failed, guest left wedged on this page")

			return fmt.Errorf("service fault at 0x%x: %w", addr, err)
		}
	}
}

var errNoMatchingRegion = errors.New("faulting address matches no advertised region")

func (h *Handler) regionFor(addr uint64) (*RegionDescriptor, error) {
	for i := range h.regions {
		if h.regions[i].Contains(addr) {
			return &h.regions[i], nil
		}
	}

	return nil, fmt.Errorf("%w: 0x%x", errNoMatchingRegion, addr)
}

func pageAlign(addr uint64, pageSize int) uint64 {
	mask := uint64(pageSize) - 1

	return addr &^ mask
}

// serviceFault resolves one fault: selects a source, issues the matching
// kernel fill, and treats a duplicate fill as AlreadyPresent rather than
// fatal (§4.E "Ordering guarantee").
func (h *Handler) serviceFault(addr uint64) error {
	region, err := h.regionFor(addr)
	if err != nil {
		return err
	}

	pageAddr := pageAlign(addr, h.pageSize)
	if pageAddr < region.Base {
		pageAddr = region.Base
	}

	h.fillMu.Lock()
	defer h.fillMu.Unlock()

	if h.filled[pageAddr] {
		h.log().WithField("addr", fmt.Sprintf("0x%x", pageAddr)).Debug("uffd: AlreadyPresent, swallowed")

		return nil
	}

	offsetInRegion := pageAddr - region.Base
	sourceOffset := region.SourceBase + offsetInRegion

	fill, err := h.Policy.Select(sourceOffset)
	if err != nil {
		return err
	}

	if err := h.applyFill(pageAddr, fill); err != nil {
		if errors.Is(err, unix.EEXIST) {
			h.log().WithField("addr", fmt.Sprintf("0x%x", pageAddr)).Debug("uffd: kernel reported AlreadyPresent")
			h.filled[pageAddr] = true

			return nil
		}

		return err
	}

	h.filled[pageAddr] = true

	return nil
}

func (h *Handler) applyFill(pageAddr uint64, fill Fill) error {
	switch fill.Kind {
	case FillCopy:
		if len(fill.Data) != h.pageSize {
			return fmt.Errorf("copy-fill data is %d bytes, want page size %d", len(fill.Data), h.pageSize)
		}

		return copyFill(h.uffd, pageAddr, uint64(addressOf(fill.Data)), uint64(h.pageSize))
	case FillZero:
		return zeroFill(h.uffd, pageAddr, uint64(h.pageSize))
	case FillContinue:
		return continueFill(h.uffd, pageAddr, uint64(h.pageSize))
	default:
		return fmt.Errorf("unknown fill kind %d", fill.Kind)
	}
}

// Prefetch issues preemptive copy-fills for up to budget WorkingSet pages
// ahead of guest demand, serialized behind the same single-writer fill
// discipline as demand faults.
func (h *Handler) Prefetch(ctx context.Context, ws *WorkingSet, budget int) error {
	if ws == nil {
		return nil
	}

	// WorkingSet offsets are source (guest-physical) offsets (see
	// FaultMapSource.Select), but nothing in a WorkingSet entry names which
	// region it belongs to, so Prefetch can only resolve them unambiguously
	// when exactly one region is registered. Fail loudly rather than
	// silently addressing against the wrong region's base.
	if len(h.regions) != 1 {
		return fmt.Errorf("prefetch requires exactly 1 registered region, got %d", len(h.regions))
	}

	pages := ws.Pages()
	if len(pages) > budget {
		pages = pages[:budget]
	}

	for _, off := range pages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, ok := ws.Take(off)
		if !ok {
			continue
		}

		// safe: guarded by the single-region check above
		pageAddr := h.regions[0].Base + (off - h.regions[0].SourceBase)

		h.fillMu.Lock()
		already := h.filled[pageAddr]

		if !already {
			if err := h.applyFill(pageAddr, Fill{Kind: FillCopy, Data: data}); err != nil && !errors.Is(err, unix.EEXIST) {
				h.fillMu.Unlock()

				return err
			}

			h.filled[pageAddr] = true
		}

		h.fillMu.Unlock()
	}

	return nil
}

// Stop ends the fault loop and closes the listener.
func (h *Handler) Stop() {
	close(h.stopCh)

	h.listenerMu.Lock()
	if h.lis != nil {
		h.lis.Close()
	}
	h.listenerMu.Unlock()
}
