package linker

import (
	"debug/elf"
	"sync"
	"sync/atomic"
)

// Relocation-kind demand, OR'd into Symbol.rels by the scanner. Only
// the union after the scan barrier is observed.
const (
	HasGotRel   uint32 = 1 << 0
	HasPltRel   uint32 = 1 << 1
	HasTlsGdRel uint32 = 1 << 2
	HasTlsLdRel uint32 = 1 << 3
	HasGotTpRel uint32 = 1 << 4
)

// Symbol is a process-wide interned name. The symbol table owns the
// node; File is a non-owning back-reference to the current defining
// file, changed only under mu during resolution.
type Symbol struct {
	File *ObjectFile

	InputSection  *InputSection
	OutputSection Chunker
	Piece         *StringPiece

	Value uint64
	Name  string

	SymIdx int32

	GotIdx    int32
	PltIdx    int32
	GotPltIdx int32
	RelPltIdx int32
	GotTpIdx  int32
	GotGdIdx  int32
	GotLdIdx  int32
	DynsymIdx int32

	DynstrOffset uint32

	rels atomic.Uint32
	mu   sync.Mutex

	Visibility uint8

	IsWeak     bool
	IsExported bool
	Traced     bool
}

func NewSymbol(name string) *Symbol {
	s := &Symbol{
		Name:       name,
		SymIdx:     -1,
		GotIdx:     -1,
		PltIdx:     -1,
		GotPltIdx:  -1,
		RelPltIdx:  -1,
		GotTpIdx:   -1,
		GotGdIdx:   -1,
		GotLdIdx:   -1,
		DynsymIdx:  -1,
		Visibility: uint8(elf.STV_DEFAULT),
	}
	return s
}

// GetSymbolByName interns name, returning a stable pointer. Lock-free;
// safe to call from any phase on any worker.
func GetSymbolByName(ctx *Context, name string) *Symbol {
	if sym, ok := ctx.symbolMap.Load(name); ok {
		return sym.(*Symbol)
	}
	sym, _ := ctx.symbolMap.LoadOrStore(name, NewSymbol(name))
	return sym.(*Symbol)
}

// AddRels ORs demand bits into the atomic bitset.
func (s *Symbol) AddRels(flags uint32) {
	for {
		old := s.rels.Load()
		if old&flags == flags || s.rels.CompareAndSwap(old, old|flags) {
			return
		}
	}
}

func (s *Symbol) Rels() uint32 {
	return s.rels.Load()
}

func (s *Symbol) Lock() {
	s.mu.Lock()
}

func (s *Symbol) Unlock() {
	s.mu.Unlock()
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.OutputSection = nil
	s.Piece = nil
}

func (s *Symbol) SetOutputSection(osec Chunker) {
	s.InputSection = nil
	s.OutputSection = osec
	s.Piece = nil
}

func (s *Symbol) SetPiece(piece *StringPiece) {
	s.InputSection = nil
	s.OutputSection = nil
	s.Piece = piece
}

func (s *Symbol) ElfSym() *Sym {
	return &s.File.ElfSyms[s.SymIdx]
}

func (s *Symbol) IsIfunc() bool {
	return s.File != nil && s.SymIdx != -1 && s.ElfSym().IsIfunc()
}

func (s *Symbol) GetAddr(ctx *Context) uint64 {
	if s.Piece != nil {
		return s.Piece.GetAddr() + s.Value
	}

	if s.InputSection == nil {
		return s.Value
	}

	if !s.InputSection.IsAlive {
		return 0
	}

	return s.InputSection.GetAddr() + s.Value
}

func (s *Symbol) GetGotAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + s.File.GotOffset + uint64(s.GotIdx)*GotSize
}

func (s *Symbol) GetGotTpAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + s.File.GotOffset + uint64(s.GotTpIdx)*GotSize
}

func (s *Symbol) GetGotGdAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + s.File.GotOffset + uint64(s.GotGdIdx)*GotSize
}

func (s *Symbol) GetGotPltAddr(ctx *Context) uint64 {
	return ctx.GotPlt.Shdr.Addr + s.File.GotPltOffset + uint64(s.GotPltIdx)*GotSize
}

func (s *Symbol) GetPltAddr(ctx *Context) uint64 {
	return ctx.Plt.Shdr.Addr + s.File.PltOffset + uint64(s.PltIdx)*PltSize
}

// GetOutputShndx maps the symbol to the section index it lands in in
// the output image. Absolute and converted-weak symbols get SHN_ABS.
func (s *Symbol) GetOutputShndx(ctx *Context) uint16 {
	if s.Piece != nil {
		return uint16(s.Piece.Isec.Load().Parent.Shndx)
	}
	if s.InputSection != nil && s.InputSection.IsAlive {
		return uint16(s.InputSection.OutputSection.Shndx)
	}
	if s.OutputSection != nil {
		return uint16(s.OutputSection.GetShndx())
	}
	return uint16(elf.SHN_ABS)
}

func (s *Symbol) Clear() {
	s.File = nil
	s.Piece = nil
	s.OutputSection = nil
	s.InputSection = nil
	s.SymIdx = -1
	s.IsWeak = false
	s.IsExported = false
}

func (s *Symbol) GetRank() uint64 {
	if s.File == nil {
		return 7 << 24
	}
	return GetRank(s.File, s.ElfSym(), !s.File.IsAlive.Load())
}
