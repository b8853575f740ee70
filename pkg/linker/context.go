package linker

import (
	"sync"

	"github.com/ksco/chibild/pkg/utils"
)

type ContextArg struct {
	Output    string
	Emulation MachineType

	IsStatic    bool
	Filler      int
	ThreadCount int
	Trace       bool
	PrintMap    bool
	Stat        bool
}

// Context carries everything a link shares across phases: the interned
// symbol directory, the input files, the synthetic output chunks, and
// the output buffer.
type Context struct {
	Arg ContextArg

	symbolMap sync.Map // string -> *Symbol
	comdatMap sync.Map // string -> *ComdatGroup

	Ehdr     *OutputEhdr
	Shdr     *OutputShdr
	Phdr     *OutputPhdr
	Got      *GotSection
	GotPlt   *GotPltSection
	Plt      *PltSection
	RelPlt   *RelPltSection
	RelDyn   *RelDynSection
	Symtab   *SymtabSection
	Strtab   *StrtabSection
	Shstrtab *ShstrtabSection
	Dynsym   *DynsymSection
	Dynstr   *DynstrSection

	// Dynamic-link only; nil under -static.
	Interp  *InterpSection
	Dynamic *DynamicSection
	Hash    *HashSection

	Buf      []byte
	Filesize uint64

	FilePriority uint32
	Visited      utils.MapSet[string]

	Objs []*ObjectFile

	InternalObj   *ObjectFile
	InternalEsyms []Sym

	Chunks []Chunker

	osecMu         sync.Mutex
	MergedSections []*MergedSection
	OutputSections []*OutputSection

	TlsEnd uint64

	Counters []*Counter

	__BssStart          *Symbol
	__EhdrStart         *Symbol
	__RelaIpltStart     *Symbol
	__RelaIpltEnd       *Symbol
	__InitArrayStart    *Symbol
	__InitArrayEnd      *Symbol
	__FiniArrayStart    *Symbol
	__FiniArrayEnd      *Symbol
	__End               *Symbol
	End                 *Symbol
	__Etext             *Symbol
	Etext               *Symbol
	__Edata             *Symbol
	Edata               *Symbol
	__Dynamic           *Symbol
	__GlobalOffsetTable *Symbol
}

func NewContext() *Context {
	return &Context{
		Arg: ContextArg{
			Emulation: MachineTypeNone,
			Filler:    -1,
		},
		Visited:      utils.NewMapSet[string](),
		FilePriority: 10000,
	}
}
