package linker

import (
	"debug/elf"

	"github.com/ksco/chibild/pkg/utils"
)

// The GOT/PLT family is sized by the scan roll-up and written per file
// by the writer; the chunks themselves only carry headers.

type GotSection struct {
	Chunk
}

func NewGotSection() *GotSection {
	g := &GotSection{Chunk: NewChunk()}
	g.Name = ".got"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.Shdr.AddrAlign = GotSize
	return g
}

type GotPltSection struct {
	Chunk
}

func NewGotPltSection() *GotPltSection {
	g := &GotPltSection{Chunk: NewChunk()}
	g.Name = ".got.plt"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.Shdr.AddrAlign = GotSize
	return g
}

type PltSection struct {
	Chunk
}

func NewPltSection() *PltSection {
	p := &PltSection{Chunk: NewChunk()}
	p.Name = ".plt"
	p.Shdr.Type = uint32(elf.SHT_PROGBITS)
	p.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
	p.Shdr.AddrAlign = PltSize
	return p
}

// WriteEntry emits one 16-byte PLT entry:
//
//	jmp *slot(%rip)
//	push $relplt_idx
//	jmp <plt base>
//
// The gotplt slot initially points back at the push (entry+6), the
// standard lazy-binding layout.
func (p *PltSection) WriteEntry(ctx *Context, sym *Symbol) {
	base := p.Shdr.Offset + sym.File.PltOffset + uint64(sym.PltIdx)*PltSize
	buf := ctx.Buf[base:]

	entryAddr := sym.GetPltAddr(ctx)

	buf[0] = 0xff
	buf[1] = 0x25
	utils.Write[uint32](buf[2:], uint32(sym.GetGotPltAddr(ctx)-(entryAddr+6)))

	buf[6] = 0x68
	utils.Write[uint32](buf[7:], uint32(sym.RelPltIdx))

	buf[11] = 0xe9
	utils.Write[uint32](buf[12:], uint32(p.Shdr.Addr-(entryAddr+16)))
}

type RelPltSection struct {
	Chunk
}

func NewRelPltSection() *RelPltSection {
	r := &RelPltSection{Chunk: NewChunk()}
	r.Name = ".rela.plt"
	r.Shdr.Type = uint32(elf.SHT_RELA)
	r.Shdr.Flags = uint64(elf.SHF_ALLOC)
	r.Shdr.AddrAlign = 8
	r.Shdr.EntSize = RelaSize
	return r
}

func (r *RelPltSection) UpdateShdr(ctx *Context) {
	r.Shdr.Link = uint32(ctx.Dynsym.Shndx)
}

type RelDynSection struct {
	Chunk
}

func NewRelDynSection() *RelDynSection {
	r := &RelDynSection{Chunk: NewChunk()}
	r.Name = ".rela.dyn"
	r.Shdr.Type = uint32(elf.SHT_RELA)
	r.Shdr.Flags = uint64(elf.SHF_ALLOC)
	r.Shdr.AddrAlign = 8
	r.Shdr.EntSize = RelaSize
	return r
}

func (r *RelDynSection) UpdateShdr(ctx *Context) {
	r.Shdr.Link = uint32(ctx.Dynsym.Shndx)
}

func writeDynamicRel(buf []byte, typ uint32, addr uint64, dynsymIdx int32, addend int64) {
	if dynsymIdx == -1 {
		dynsymIdx = 0
	}
	utils.Write[Rela](buf, Rela{
		Offset: addr,
		Type:   typ,
		Sym:    uint32(dynsymIdx),
		Addend: addend,
	})
}
