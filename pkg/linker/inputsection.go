package linker

import (
	"debug/elf"
	"fmt"
	"math"
	"unsafe"

	"github.com/ksco/chibild/pkg/utils"
)

type InputSection struct {
	File          *ObjectFile
	OutputSection *OutputSection
	Contents      []byte
	Offset        uint32
	Shndx         uint32
	RelsecIdx     uint32
	ShSize        uint32
	IsAlive       bool
	P2Align       uint8
	Rels          []Rela
}

func NewInputSection(
	ctx *Context, file *ObjectFile, name string, shndx int64,
) *InputSection {
	s := &InputSection{
		Offset:    math.MaxUint32,
		Shndx:     math.MaxUint32,
		RelsecIdx: math.MaxUint32,
		ShSize:    math.MaxUint32,
		IsAlive:   true,
	}
	s.File = file
	s.Shndx = uint32(shndx)

	shdr := s.Shdr()
	if shdr.Type != uint32(elf.SHT_NOBITS) {
		s.Contents = file.File.Contents[shdr.Offset : shdr.Offset+shdr.Size]
	}

	toP2Align := func(alignment uint64) int64 {
		if alignment == 0 {
			return 0
		}
		return int64(utils.CountrZero[uint64](alignment))
	}

	if shdr.Flags&uint64(elf.SHF_COMPRESSED) != 0 {
		chdr := s.Chdr()
		s.ShSize = uint32(chdr.Size)
		s.P2Align = uint8(toP2Align(chdr.AddrAlign))
	} else {
		s.ShSize = uint32(shdr.Size)
		s.P2Align = uint8(toP2Align(shdr.AddrAlign))
	}

	s.OutputSection =
		GetOutputSectionInstance(ctx, name, uint64(shdr.Type), shdr.Flags)

	return s
}

func (s *InputSection) Shdr() *Shdr {
	if s.Shndx < uint32(len(s.File.ElfSections)) {
		return &s.File.ElfSections[s.Shndx]
	}

	utils.Fatal("unreachable")
	return nil
}

func (s *InputSection) Chdr() Chdr {
	return utils.Read[Chdr](s.Contents)
}

func (s *InputSection) GetAddr() uint64 {
	return s.OutputSection.Shdr.Addr + uint64(s.Offset)
}

func (s *InputSection) Name() string {
	if uint32(len(s.File.ElfSections)) <= s.Shndx {
		return ".common"
	}
	return getName(s.File.ShStrtab, s.File.ElfSections[s.Shndx].Name)
}

func (s *InputSection) Kill() {
	s.IsAlive = false
}

func (s *InputSection) GetRels() []Rela {
	if s.RelsecIdx == math.MaxUint32 || s.Rels != nil {
		return s.Rels
	}

	bs := s.File.GetBytesFromShdr(&s.File.InputFile.ElfSections[s.RelsecIdx])
	nums := len(bs) / int(unsafe.Sizeof(Rela{}))
	s.Rels = make([]Rela, 0, nums)
	for nums > 0 {
		s.Rels = append(s.Rels, utils.Read[Rela](bs))
		bs = bs[unsafe.Sizeof(Rela{}):]
		nums--
	}

	return s.Rels
}

// ScanRelocations records which GOT/PLT/TLS machinery each referenced
// symbol needs. Bits are OR'd into the symbol's atomic set; only the
// union is observed after the barrier.
func (s *InputSection) ScanRelocations(ctx *Context) {
	utils.Assert(s.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0)

	rels := s.GetRels()
	for i := 0; i < len(rels); i++ {
		rel := &rels[i]
		if rel.Type == uint32(elf.R_X86_64_NONE) {
			continue
		}

		sym := s.File.Symbols[rel.Sym]
		if sym.File == nil {
			utils.Fatal(fmt.Sprintf("%s: undefined symbol: %s", s.File.File.Name, sym.Name))
		}

		switch elf.R_X86_64(rel.Type) {
		case elf.R_X86_64_8, elf.R_X86_64_16, elf.R_X86_64_32, elf.R_X86_64_32S,
			elf.R_X86_64_64, elf.R_X86_64_PC8, elf.R_X86_64_PC16,
			elf.R_X86_64_PC32, elf.R_X86_64_PC64:
			// Direct; applied in place.
		case elf.R_X86_64_PLT32:
			sym.AddRels(HasPltRel)
		case elf.R_X86_64_GOT32, elf.R_X86_64_GOTPC32, elf.R_X86_64_GOTPCREL,
			elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			sym.AddRels(HasGotRel)
		case elf.R_X86_64_TLSGD:
			sym.AddRels(HasTlsGdRel)
		case elf.R_X86_64_TLSLD:
			sym.AddRels(HasTlsLdRel)
		case elf.R_X86_64_GOTTPOFF:
			sym.AddRels(HasGotTpRel)
		case elf.R_X86_64_TPOFF32, elf.R_X86_64_TPOFF64,
			elf.R_X86_64_DTPOFF32, elf.R_X86_64_DTPOFF64:
			break
		default:
			utils.Fatal(fmt.Sprintf("%s: unknown relocation: %d", s.File.File.Name, rel.Type))
		}
	}
}

func (s *InputSection) WriteTo(ctx *Context, buf []byte) {
	if s.Shdr().Type == uint32(elf.SHT_NOBITS) || s.ShSize == 0 {
		return
	}

	copy(buf, s.Contents)

	if s.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
		s.ApplyRelocAlloc(ctx, buf)
	}
}

func (s *InputSection) ApplyRelocAlloc(ctx *Context, base []byte) {
	rels := s.GetRels()

	for i := 0; i < len(rels); i++ {
		rel := rels[i]
		if rel.Type == uint32(elf.R_X86_64_NONE) {
			continue
		}

		sym := s.File.Symbols[rel.Sym]
		loc := base[rel.Offset:]

		if sym.File == nil {
			utils.Fatal(fmt.Sprintf("%s: undefined symbol: %s", s.File.File.Name, sym.Name))
		}

		S := sym.GetAddr(ctx)
		A := uint64(rel.Addend)
		P := s.GetAddr() + rel.Offset

		switch elf.R_X86_64(rel.Type) {
		case elf.R_X86_64_8:
			utils.Write[uint8](loc, uint8(S+A))
		case elf.R_X86_64_16:
			utils.Write[uint16](loc, uint16(S+A))
		case elf.R_X86_64_32, elf.R_X86_64_32S:
			utils.Write[uint32](loc, uint32(S+A))
		case elf.R_X86_64_64:
			utils.Write[uint64](loc, S+A)
		case elf.R_X86_64_PC8:
			utils.Write[uint8](loc, uint8(S+A-P))
		case elf.R_X86_64_PC16:
			utils.Write[uint16](loc, uint16(S+A-P))
		case elf.R_X86_64_PC32:
			utils.Write[uint32](loc, uint32(S+A-P))
		case elf.R_X86_64_PC64:
			utils.Write[uint64](loc, S+A-P)
		case elf.R_X86_64_PLT32:
			val := S
			if sym.PltIdx != -1 {
				val = sym.GetPltAddr(ctx)
			}
			utils.Write[uint32](loc, uint32(val+A-P))
		case elf.R_X86_64_GOT32:
			utils.Write[uint32](loc, uint32(sym.File.GotOffset+uint64(sym.GotIdx)*GotSize+A))
		case elf.R_X86_64_GOTPC32:
			utils.Write[uint32](loc, uint32(ctx.Got.Shdr.Addr+A-P))
		case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			utils.Write[uint32](loc, uint32(sym.GetGotAddr(ctx)+A-P))
		case elf.R_X86_64_GOTTPOFF:
			utils.Write[uint32](loc, uint32(sym.GetGotTpAddr(ctx)+A-P))
		case elf.R_X86_64_TPOFF32:
			utils.Write[uint32](loc, uint32(S+A-ctx.TlsEnd))
		case elf.R_X86_64_TPOFF64:
			utils.Write[uint64](loc, S+A-ctx.TlsEnd)
		case elf.R_X86_64_DTPOFF32:
			utils.Write[uint32](loc, uint32(S+A-ctx.TlsEnd))
		case elf.R_X86_64_DTPOFF64:
			utils.Write[uint64](loc, S+A-ctx.TlsEnd)
		case elf.R_X86_64_TLSGD:
			if ctx.Arg.IsStatic {
				utils.Fatal("not implemented")
			}
			utils.Write[uint32](loc, uint32(sym.GetGotGdAddr(ctx)+A-P))
		case elf.R_X86_64_TLSLD:
			if ctx.Arg.IsStatic {
				utils.Fatal("not implemented")
			}
			utils.Write[uint32](loc, uint32(sym.GetGotGdAddr(ctx)+A-P))
		default:
			utils.Fatal("unreachable")
		}
	}
}
