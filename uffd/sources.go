package uffd

import (
	"os"
	"sync"

	"github.com/ec1-systems/microvmd/pmem"
)

// FillKind selects which of the three kernel fill primitives a Source
// decided to use for one page (§4.E "must respond with exactly one of").
type FillKind int

const (
	FillCopy FillKind = iota
	FillZero
	FillContinue
)

// Fill is the decision a Source makes for one faulting page.
type Fill struct {
	Kind FillKind
	Data []byte // page bytes for FillCopy; nil for FillZero/FillContinue
}

// Source picks how to satisfy a fault for guestPageOffset (the page's
// guest-physical byte offset, which is also its offset in the memory file,
// already page-aligned by the caller).
type Source interface {
	Select(guestPageOffset uint64) (Fill, error)
}

// WorkingSet is the optional sidecar of §3: an ordered, resident buffer of
// pages known to be touched shortly after resume, consulted first by the
// default source-selection policy.
type WorkingSet struct {
	mu      sync.Mutex
	pages   map[uint64][]byte // guestPageOffset -> page bytes, evicted once consumed
}

// NewWorkingSet creates an empty WorkingSet.
func NewWorkingSet() *WorkingSet {
	return &WorkingSet{pages: make(map[uint64][]byte)}
}

// Add seeds the WorkingSet with a page's bytes.
func (w *WorkingSet) Add(guestPageOffset uint64, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pages[guestPageOffset] = data
}

// Take removes and returns a page's bytes if still resident.
func (w *WorkingSet) Take(guestPageOffset uint64) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, ok := w.pages[guestPageOffset]
	if ok {
		delete(w.pages, guestPageOffset)
	}

	return data, ok
}

// Pages returns a snapshot of the currently-resident offsets, used by
// Handler.Prefetch to drive preemptive fills.
func (w *WorkingSet) Pages() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]uint64, 0, len(w.pages))
	for off := range w.pages {
		out = append(out, off)
	}

	return out
}

// FaultMapSource implements the §4.E default source-selection policy:
// WorkingSet first, then the FaultMap (DaxMapped -> continue, FileOffset ->
// read and copy-fill), else zero-fill. It is deterministic per page.
type FaultMapSource struct {
	WorkingSet *WorkingSet
	FaultMap   *pmem.FaultMap
	DAX        *pmem.Allocator // may be nil if no DAX relocation was used
	MemFile    *os.File        // memory file to read FileOffset pages from
	PageSize   int
}

// Select implements Source.
func (s *FaultMapSource) Select(guestPageOffset uint64) (Fill, error) {
	if s.WorkingSet != nil {
		if data, ok := s.WorkingSet.Take(guestPageOffset); ok {
			return Fill{Kind: FillCopy, Data: data}, nil
		}
	}

	pageIdx := guestPageOffset / uint64(s.PageSize)

	if s.FaultMap != nil && int(pageIdx) < len(s.FaultMap.Entries) {
		entry := s.FaultMap.Entries[pageIdx]

		switch entry.Tag {
		case pmem.DaxPage:
			if s.DAX != nil {
				return Fill{Kind: FillContinue}, nil
			}
		case pmem.FileOffset:
			if s.MemFile != nil {
				buf := make([]byte, s.PageSize)
				if _, err := s.MemFile.ReadAt(buf, int64(entry.Payload)); err != nil {
					return Fill{}, err
				}

				return Fill{Kind: FillCopy, Data: buf}, nil
			}
		case pmem.Zero, pmem.Absent:
			return Fill{Kind: FillZero}, nil
		}
	}

	return Fill{Kind: FillZero}, nil
}
