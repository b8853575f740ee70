package linker

import (
	"debug/elf"
	"sync"
)

// MergedSection is the output section for deduplicated constants. Map
// is keyed by piece contents; inserts race during parsing, so it is a
// concurrent map.
type MergedSection struct {
	Chunk
	Map sync.Map // string -> *StringPiece
}

func NewMergedSection(name string, flags uint64, typ uint32) *MergedSection {
	m := &MergedSection{Chunk: NewChunk()}
	m.Name = name
	m.Shdr.Flags = flags
	m.Shdr.Type = typ
	return m
}

func GetMergedSectionInstance(ctx *Context, name string, typ uint32, flags uint64) *MergedSection {
	name = GetOutputName(name, flags)
	flags = flags & ^uint64(elf.SHF_GROUP) & ^uint64(elf.SHF_MERGE) &
		^uint64(elf.SHF_STRINGS) & ^uint64(elf.SHF_COMPRESSED)

	ctx.osecMu.Lock()
	defer ctx.osecMu.Unlock()

	for _, osec := range ctx.MergedSections {
		if name == osec.Name && flags == osec.Shdr.Flags && typ == osec.Shdr.Type {
			return osec
		}
	}

	osec := NewMergedSection(name, flags, typ)
	ctx.MergedSections = append(ctx.MergedSections, osec)
	return osec
}

// Insert interns key, returning its piece. Called concurrently from the
// parse phase.
func (m *MergedSection) Insert(key string, p2align uint32) *StringPiece {
	if piece, ok := m.Map.Load(key); ok {
		piece.(*StringPiece).UpdateP2Align(p2align)
		return piece.(*StringPiece)
	}

	piece, _ := m.Map.LoadOrStore(key, NewStringPiece(key))
	piece.(*StringPiece).UpdateP2Align(p2align)
	return piece.(*StringPiece)
}

func (m *MergedSection) CopyBuf(ctx *Context) {
	// Contents are written per owning MergeableSection by the writer.
}
