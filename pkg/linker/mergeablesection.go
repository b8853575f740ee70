package linker

import (
	"math"
	"sort"
	"sync/atomic"

	"github.com/ksco/chibild/pkg/utils"
)

// StringPiece is one deduplicated constant. Isec is the owner-elected
// MergeableSection; election is a lock-free CAS ordered by file
// priority, so exactly one section ends up owning each piece.
type StringPiece struct {
	Data         string
	Isec         atomic.Pointer[MergeableSection]
	OutputOffset uint32
	p2align      atomic.Uint32
}

func NewStringPiece(data string) *StringPiece {
	return &StringPiece{Data: data, OutputOffset: math.MaxUint32}
}

func (p *StringPiece) UpdateP2Align(p2align uint32) {
	for {
		cur := p.p2align.Load()
		if cur >= p2align || p.p2align.CompareAndSwap(cur, p2align) {
			return
		}
	}
}

func (p *StringPiece) P2Align() uint32 {
	return p.p2align.Load()
}

func (p *StringPiece) GetAddr() uint64 {
	owner := p.Isec.Load()
	return owner.Parent.Shdr.Addr + owner.Offset + uint64(p.OutputOffset)
}

// MergeableSection is the split form of one SHF_MERGE input section:
// its pieces in input order, plus the offset range it was granted in
// the parent once sizes were rolled up.
type MergeableSection struct {
	Parent  *MergedSection
	File    *ObjectFile
	P2Align uint8

	Strs        []string
	FragOffsets []uint32
	Pieces      []*StringPiece

	Size   uint64
	Offset uint64
}

// GetPiece maps an offset within the original input section to the
// piece containing it and the remainder within that piece.
func (m *MergeableSection) GetPiece(offset uint32) (*StringPiece, uint32) {
	pos := sort.Search(len(m.FragOffsets), func(i int) bool {
		return offset < m.FragOffsets[i]
	})

	if pos == 0 {
		return nil, 0
	}
	idx := pos - 1
	return m.Pieces[idx], offset - m.FragOffsets[idx]
}

// ResolvePieces elects this section as the owner of every piece whose
// current owner is nil or belongs to a lower-precedence (numerically
// larger priority) file. Loses cleanly to better owners.
func (m *MergeableSection) ResolvePieces() {
	for _, piece := range m.Pieces {
		cur := piece.Isec.Load()
		for cur == nil || cur.File.Priority > m.File.Priority {
			if piece.Isec.CompareAndSwap(cur, m) {
				break
			}
			cur = piece.Isec.Load()
		}
	}
}

// AssignOffsets gives every piece this section owns its output offset,
// walking pieces in input order and accumulating the section size.
func (m *MergeableSection) AssignOffsets() {
	offset := uint64(0)
	for _, piece := range m.Pieces {
		if piece.Isec.Load() != m || piece.OutputOffset != math.MaxUint32 {
			continue
		}
		offset = utils.AlignTo(offset, uint64(1)<<piece.P2Align())
		piece.OutputOffset = uint32(offset)
		offset += uint64(len(piece.Data))
	}
	m.Size = offset
}
