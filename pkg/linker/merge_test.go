package linker

import (
	"debug/elf"
	"math"
	"testing"

	"github.com/ksco/chibild/pkg/utils"
)

func newMergeSetup(ctx *Context) (*MergedSection, *MergeableSection, *MergeableSection) {
	parent := GetMergedSectionInstance(ctx, ".rodata.str1.1",
		uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_MERGE|elf.SHF_STRINGS))

	mkSection := func(name string, priority uint32, strs []string) *MergeableSection {
		file := newTestObj(name, priority, true)
		m := &MergeableSection{Parent: parent, File: file}
		offset := uint32(0)
		for _, s := range strs {
			m.Strs = append(m.Strs, s)
			m.FragOffsets = append(m.FragOffsets, offset)
			offset += uint32(len(s))
			m.Pieces = append(m.Pieces, parent.Insert(s, 0))
		}
		return m
	}

	a := mkSection("a.o", 10000, []string{"hello\x00", "world\x00"})
	b := mkSection("b.o", 10001, []string{"hello\x00", "there\x00"})
	return parent, a, b
}

func TestPieceDedup(t *testing.T) {
	ctx := NewContext()
	_, a, b := newMergeSetup(ctx)

	// The shared string interned to one piece.
	if a.Pieces[0] != b.Pieces[0] {
		t.Error("identical contents produced distinct pieces")
	}
	if a.Pieces[1] == b.Pieces[1] {
		t.Error("distinct contents share a piece")
	}
}

func TestPieceOwnerElection(t *testing.T) {
	ctx := NewContext()
	utils.NumThreads = 4
	_, a, b := newMergeSetup(ctx)

	// Election must land on the better-priority section no matter the
	// order the contenders run in.
	b.ResolvePieces()
	a.ResolvePieces()

	if got := a.Pieces[0].Isec.Load(); got != a {
		t.Errorf("shared piece owned by %s, want a.o", got.File.File.Name)
	}
	if got := b.Pieces[1].Isec.Load(); got != b {
		t.Error("b.o does not own its private piece")
	}

	// Exactly one owner holds each piece in its own list.
	for _, piece := range append(a.Pieces, b.Pieces...) {
		owner := piece.Isec.Load()
		if owner == nil {
			t.Fatal("piece with no owner after election")
		}
		found := 0
		for _, cand := range []*MergeableSection{a, b} {
			if cand != owner {
				continue
			}
			for _, p := range cand.Pieces {
				if p == piece {
					found++
					break
				}
			}
		}
		if found != 1 {
			t.Errorf("piece %q in %d owner lists, want 1", piece.Data, found)
		}
	}
}

func TestMergeOffsetsAndSizes(t *testing.T) {
	ctx := NewContext()
	parent, a, b := newMergeSetup(ctx)

	a.ResolvePieces()
	b.ResolvePieces()
	a.AssignOffsets()
	b.AssignOffsets()

	// a owns "hello\0"+"world\0", b owns "there\0".
	if a.Size != 12 {
		t.Errorf("a.Size = %d, want 12", a.Size)
	}
	if b.Size != 6 {
		t.Errorf("b.Size = %d, want 6", b.Size)
	}

	// Sequential parent roll-up in file order.
	for _, m := range []*MergeableSection{a, b} {
		m.Offset = parent.Shdr.Size
		parent.Shdr.Size += m.Size
	}

	if parent.Shdr.Size != 18 {
		t.Errorf("parent size = %d, want 18", parent.Shdr.Size)
	}
	if a.Offset != 0 || b.Offset != 12 {
		t.Errorf("offsets = %d, %d", a.Offset, b.Offset)
	}

	// Every owned piece has an assigned, in-range output offset.
	for _, m := range []*MergeableSection{a, b} {
		for _, piece := range m.Pieces {
			if piece.Isec.Load() != m {
				continue
			}
			if piece.OutputOffset == math.MaxUint32 {
				t.Errorf("piece %q unassigned", piece.Data)
			}
			if uint64(piece.OutputOffset)+uint64(len(piece.Data)) > m.Size {
				t.Errorf("piece %q exceeds its section", piece.Data)
			}
		}
	}
}

func TestMergeDeterminism(t *testing.T) {
	link := func(reverse bool) (uint64, uint64) {
		ctx := NewContext()
		parent, a, b := newMergeSetup(ctx)
		if reverse {
			b.ResolvePieces()
			a.ResolvePieces()
		} else {
			a.ResolvePieces()
			b.ResolvePieces()
		}
		a.AssignOffsets()
		b.AssignOffsets()
		for _, m := range []*MergeableSection{a, b} {
			m.Offset = parent.Shdr.Size
			parent.Shdr.Size += m.Size
		}
		return parent.Shdr.Size, uint64(a.Pieces[0].OutputOffset)
	}

	size1, off1 := link(false)
	size2, off2 := link(true)
	if size1 != size2 || off1 != off2 {
		t.Errorf("election order changed layout: (%d,%d) vs (%d,%d)",
			size1, off1, size2, off2)
	}
}

func TestGetPiece(t *testing.T) {
	ctx := NewContext()
	_, a, _ := newMergeSetup(ctx)

	piece, off := a.GetPiece(0)
	if piece != a.Pieces[0] || off != 0 {
		t.Error("GetPiece(0) wrong")
	}
	piece, off = a.GetPiece(7)
	if piece != a.Pieces[1] || off != 1 {
		t.Errorf("GetPiece(7) = %v, %d", piece, off)
	}
}
