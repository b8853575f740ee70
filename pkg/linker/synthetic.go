package linker

import (
	"debug/elf"

	"github.com/ksco/chibild/pkg/utils"
)

type InterpSection struct {
	Chunk
}

const interpPath = "/lib64/ld-linux-x86-64.so.2"

func NewInterpSection() *InterpSection {
	i := &InterpSection{Chunk: NewChunk()}
	i.Name = ".interp"
	i.Shdr.Type = uint32(elf.SHT_PROGBITS)
	i.Shdr.Flags = uint64(elf.SHF_ALLOC)
	i.Shdr.Size = uint64(len(interpPath)) + 1
	return i
}

func (i *InterpSection) Initialize(ctx *Context) {
	writeString(ctx.Buf[i.Shdr.Offset:], interpPath)
}

type StrtabSection struct {
	Chunk
}

func NewStrtabSection() *StrtabSection {
	s := &StrtabSection{Chunk: NewChunk()}
	s.Name = ".strtab"
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	s.Shdr.Size = 1
	return s
}

type SymtabSection struct {
	Chunk
}

func NewSymtabSection() *SymtabSection {
	s := &SymtabSection{Chunk: NewChunk()}
	s.Name = ".symtab"
	s.Shdr.Type = uint32(elf.SHT_SYMTAB)
	s.Shdr.Size = SymSize
	s.Shdr.AddrAlign = 8
	s.Shdr.EntSize = SymSize
	return s
}

func (s *SymtabSection) UpdateShdr(ctx *Context) {
	s.Shdr.Link = uint32(ctx.Strtab.Shndx)
}

type ShstrtabSection struct {
	Chunk
	contents []byte
}

func NewShstrtabSection() *ShstrtabSection {
	s := &ShstrtabSection{Chunk: NewChunk()}
	s.Name = ".shstrtab"
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	return s
}

// UpdateShdr lays out every section name and patches the name offsets
// into the owning chunks' headers.
func (s *ShstrtabSection) UpdateShdr(ctx *Context) {
	s.contents = []byte{0}
	for _, chunk := range ctx.Chunks {
		if chunk.Kind() == ChunkKindHeader || chunk.GetName() == "" {
			continue
		}
		chunk.GetShdr().Name = uint32(len(s.contents))
		s.contents = append(s.contents, chunk.GetName()...)
		s.contents = append(s.contents, 0)
	}
	s.Shdr.Size = uint64(len(s.contents))
}

func (s *ShstrtabSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[s.Shdr.Offset:], s.contents)
}

type DynstrSection struct {
	Chunk
	contents []byte
}

func NewDynstrSection() *DynstrSection {
	d := &DynstrSection{Chunk: NewChunk()}
	d.Name = ".dynstr"
	d.Shdr.Type = uint32(elf.SHT_STRTAB)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC)
	d.Shdr.Size = 1
	d.contents = []byte{0}
	return d
}

// AddString interns nothing; callers remember the returned offset.
func (d *DynstrSection) AddString(s string) uint32 {
	offset := uint32(len(d.contents))
	d.contents = append(d.contents, s...)
	d.contents = append(d.contents, 0)
	d.Shdr.Size = uint64(len(d.contents))
	return offset
}

func (d *DynstrSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[d.Shdr.Offset:], d.contents)
}

type DynsymSection struct {
	Chunk
	Syms []*Symbol
}

func NewDynsymSection() *DynsymSection {
	d := &DynsymSection{Chunk: NewChunk()}
	d.Name = ".dynsym"
	d.Shdr.Type = uint32(elf.SHT_DYNSYM)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC)
	d.Shdr.AddrAlign = 8
	d.Shdr.EntSize = SymSize
	d.Shdr.Info = 1
	return d
}

// AddSymbols appends one file's dynsym batch, assigning indices and
// .dynstr name offsets. Called sequentially in file order.
func (d *DynsymSection) AddSymbols(ctx *Context, syms []*Symbol) {
	for _, sym := range syms {
		sym.DynsymIdx = int32(len(d.Syms)) + 1
		sym.DynstrOffset = ctx.Dynstr.AddString(sym.Name)
		d.Syms = append(d.Syms, sym)
	}
}

func (d *DynsymSection) UpdateShdr(ctx *Context) {
	d.Shdr.Link = uint32(ctx.Dynstr.Shndx)
	d.Shdr.Size = uint64(len(d.Syms)+1) * SymSize
}

func (d *DynsymSection) CopyBuf(ctx *Context) {
	base := ctx.Buf[d.Shdr.Offset:]
	utils.Write[Sym](base, Sym{})

	for _, sym := range d.Syms {
		esym := Sym{
			Name: sym.DynstrOffset,
			Info: uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC),
			Val:  sym.GetAddr(ctx),
		}
		if sym.File != nil && sym.SymIdx != -1 {
			esym.Info = sym.ElfSym().Info
			esym.Size = sym.ElfSym().Size
		}
		if sym.File != nil && sym.File.IsDso {
			esym.Shndx = uint16(elf.SHN_UNDEF)
			esym.Val = 0
		} else {
			esym.Shndx = sym.GetOutputShndx(ctx)
		}
		utils.Write[Sym](base[uint64(sym.DynsymIdx)*SymSize:], esym)
	}
}

type DynamicSection struct {
	Chunk
}

func NewDynamicSection() *DynamicSection {
	d := &DynamicSection{Chunk: NewChunk()}
	d.Name = ".dynamic"
	d.Shdr.Type = uint32(elf.SHT_DYNAMIC)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	d.Shdr.AddrAlign = 8
	d.Shdr.EntSize = 16
	return d
}

func (d *DynamicSection) makeEntries(ctx *Context) []Dyn {
	entries := make([]Dyn, 0)
	add := func(tag elf.DynTag, val uint64) {
		entries = append(entries, Dyn{Tag: uint64(tag), Val: val})
	}

	for _, file := range ctx.Objs {
		if file.IsDso {
			add(elf.DT_NEEDED, uint64(file.SonameOffset))
		}
	}

	add(elf.DT_HASH, ctx.Hash.Shdr.Addr)
	add(elf.DT_STRTAB, ctx.Dynstr.Shdr.Addr)
	add(elf.DT_SYMTAB, ctx.Dynsym.Shdr.Addr)
	add(elf.DT_STRSZ, ctx.Dynstr.Shdr.Size)
	add(elf.DT_SYMENT, SymSize)

	if ctx.RelDyn.Shdr.Size > 0 {
		add(elf.DT_RELA, ctx.RelDyn.Shdr.Addr)
		add(elf.DT_RELASZ, ctx.RelDyn.Shdr.Size)
		add(elf.DT_RELAENT, RelaSize)
	}
	if ctx.RelPlt.Shdr.Size > 0 {
		add(elf.DT_JMPREL, ctx.RelPlt.Shdr.Addr)
		add(elf.DT_PLTRELSZ, ctx.RelPlt.Shdr.Size)
		add(elf.DT_PLTREL, uint64(elf.DT_RELA))
		add(elf.DT_PLTGOT, ctx.GotPlt.Shdr.Addr)
	}

	add(elf.DT_NULL, 0)
	return entries
}

func (d *DynamicSection) UpdateShdr(ctx *Context) {
	d.Shdr.Link = uint32(ctx.Dynstr.Shndx)
	d.Shdr.Size = uint64(len(d.makeEntries(ctx))) * 16
}

func (d *DynamicSection) CopyBuf(ctx *Context) {
	base := ctx.Buf[d.Shdr.Offset:]
	for i, entry := range d.makeEntries(ctx) {
		utils.Write[Dyn](base[i*16:], entry)
	}
}

type HashSection struct {
	Chunk
}

func NewHashSection() *HashSection {
	h := &HashSection{Chunk: NewChunk()}
	h.Name = ".hash"
	h.Shdr.Type = uint32(elf.SHT_HASH)
	h.Shdr.Flags = uint64(elf.SHF_ALLOC)
	h.Shdr.AddrAlign = 4
	h.Shdr.EntSize = 4
	return h
}

func (h *HashSection) UpdateShdr(ctx *Context) {
	h.Shdr.Link = uint32(ctx.Dynsym.Shndx)
	numSyms := len(ctx.Dynsym.Syms) + 1
	h.Shdr.Size = uint64(2+1+numSyms) * 4
}

func (h *HashSection) CopyBuf(ctx *Context) {
	base := ctx.Buf[h.Shdr.Offset:]
	numSyms := len(ctx.Dynsym.Syms) + 1
	utils.Write[uint32](base, 1)                   // nbucket
	utils.Write[uint32](base[4:], uint32(numSyms)) // nchain
	// One empty bucket; the dynamic loader falls back to a linear
	// .dynsym walk. Chain entries stay zero.
	for i := 2; i < 3+numSyms; i++ {
		utils.Write[uint32](base[i*4:], 0)
	}
}
