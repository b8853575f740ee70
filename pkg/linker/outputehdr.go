package linker

import (
	"debug/elf"

	"github.com/ksco/chibild/pkg/utils"
)

type OutputEhdr struct {
	Chunk
}

func NewOutputEhdr() *OutputEhdr {
	return &OutputEhdr{
		Chunk: Chunk{
			Shdr: Shdr{
				Flags:     uint64(elf.SHF_ALLOC),
				Size:      EhdrSize,
				AddrAlign: 8,
			},
		},
	}
}

func (o *OutputEhdr) Kind() int {
	return ChunkKindHeader
}

func GetEntryAddr(ctx *Context) uint64 {
	if sym, ok := ctx.symbolMap.Load("_start"); ok {
		if s := sym.(*Symbol); s.File != nil {
			return s.GetAddr(ctx)
		}
	}

	for _, osec := range ctx.OutputSections {
		if osec.Name == ".text" {
			return osec.Shdr.Addr
		}
	}
	return 0
}

func (o *OutputEhdr) Initialize(ctx *Context) {
	ehdr := &Ehdr{}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	ehdr.Ident[elf.EI_OSABI] = 0
	ehdr.Ident[elf.EI_ABIVERSION] = 0
	ehdr.Type = uint16(elf.ET_EXEC)
	ehdr.Machine = uint16(elf.EM_X86_64)
	ehdr.Version = uint32(elf.EV_CURRENT)
	ehdr.Entry = GetEntryAddr(ctx)
	ehdr.PhOff = ctx.Phdr.Shdr.Offset
	ehdr.ShOff = ctx.Shdr.Shdr.Offset
	ehdr.EhSize = EhdrSize
	ehdr.PhEntSize = PhdrSize
	ehdr.PhNum = uint16(ctx.Phdr.Shdr.Size / PhdrSize)
	ehdr.ShEntSize = ShdrSize
	ehdr.ShNum = uint16(ctx.Shdr.Shdr.Size / ShdrSize)
	ehdr.ShStrndx = uint16(ctx.Shstrtab.Shndx)

	utils.Write[Ehdr](ctx.Buf[o.Shdr.Offset:], *ehdr)
}
