package linker

import (
	"bytes"
	"debug/elf"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ksco/chibild/pkg/utils"
)

type ObjectFile struct {
	InputFile
	Sections          []*InputSection
	MergeableSections []*MergeableSection
	ComdatGroups      []ComdatGroupRef

	SymtabSec      *Shdr
	SymtabShndxSec []uint32

	IsDso       bool
	IsInArchive bool
	Soname      string

	// Filled during relocation scanning; each counter is touched only
	// by this file's worker.
	NumGot    int32
	NumPlt    int32
	NumGotPlt int32
	NumRelPlt int32
	NumRelDyn int32

	// Base offsets into the synthetic sections, assigned by the
	// sequential roll-up in input order.
	GotOffset    uint64
	GotPltOffset uint64
	PltOffset    uint64
	RelPltOffset uint64
	RelDynOffset uint64

	Dynsyms      []*Symbol
	SonameOffset uint32

	LocalSymtabSize  uint64
	LocalStrtabSize  uint64
	GlobalSymtabSize uint64
	GlobalStrtabSize uint64
}

func NewObjectFile(file *File, inLib bool) *ObjectFile {
	o := &ObjectFile{InputFile: *NewInputFile(file)}
	o.IsAlive.Store(!inLib)
	o.IsInArchive = inLib
	return o
}

func (o *ObjectFile) Parse(ctx *Context) {
	if o.IsDso {
		o.parseDso(ctx)
		return
	}

	o.SymtabSec = o.FindSection(uint32(elf.SHT_SYMTAB))
	if o.SymtabSec != nil {
		o.FirstGlobal = int64(o.SymtabSec.Info)

		o.InputFile.FillUpElfSyms(o.SymtabSec)
		o.InputFile.SymbolStrtab = o.InputFile.
			GetBytesFromIdx(int64(o.SymtabSec.Link))
	}

	o.initializeSections(ctx)
	o.initializeSymbols(ctx)
	o.sortRelocations()
	o.initializeMergeableSections(ctx)
	o.skipEhframeSections()
}

func (o *ObjectFile) parseDso(ctx *Context) {
	symtabSec := o.FindSection(uint32(elf.SHT_DYNSYM))
	if symtabSec != nil {
		o.SymtabSec = symtabSec
		o.FirstGlobal = int64(symtabSec.Info)
		o.InputFile.FillUpElfSyms(symtabSec)
		o.InputFile.SymbolStrtab = o.InputFile.
			GetBytesFromIdx(int64(symtabSec.Link))
	}

	o.Soname = filepath.Base(o.File.Name)
	if dynSec := o.FindSection(uint32(elf.SHT_DYNAMIC)); dynSec != nil {
		strtab := o.GetBytesFromIdx(int64(dynSec.Link))
		bs := o.GetBytesFromShdr(dynSec)
		for len(bs) >= 16 {
			dyn := utils.Read[Dyn](bs)
			bs = bs[16:]
			if dyn.Tag == uint64(elf.DT_SONAME) {
				o.Soname = getName(strtab, uint32(dyn.Val))
			}
		}
	}

	o.Symbols = make([]*Symbol, len(o.ElfSyms))
	for i := int64(0); i < o.FirstGlobal; i++ {
		o.Symbols[i] = NewSymbol("")
	}
	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		name := getName(o.SymbolStrtab, o.ElfSyms[i].Name)
		o.Symbols[i] = GetSymbolByName(ctx, name)
	}
}

func (o *ObjectFile) initializeSections(ctx *Context) {
	o.Sections = make([]*InputSection, len(o.InputFile.ElfSections))
	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if (shdr.Flags&uint64(SHF_EXCLUDE) != 0) &&
			(shdr.Flags&uint64(elf.SHF_ALLOC) == 0) &&
			(shdr.Type != SHT_LLVM_ADDRSIG) {
			continue
		}

		switch elf.SectionType(shdr.Type) {
		case elf.SHT_GROUP:
			o.readComdatGroup(ctx, shdr)
		case elf.SHT_SYMTAB_SHNDX:
			o.FillUpSymtabShndxSec(shdr)
		case elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_REL, elf.SHT_RELA,
			elf.SHT_NULL:
			break
		default:
			name := getName(o.InputFile.ShStrtab, shdr.Name)

			if name == ".note.GNU-stack" {
				continue
			}
			if strings.HasPrefix(name, ".gnu.warning.") {
				continue
			}

			o.Sections[i] = NewInputSection(ctx, o, name, int64(i))
		}
	}

	for i := 0; i < len(o.InputFile.ElfSections); i++ {
		shdr := &o.InputFile.ElfSections[i]
		if shdr.Type != uint32(elf.SHT_RELA) {
			continue
		}

		if shdr.Info >= uint32(len(o.Sections)) {
			utils.Fatal(o.File.Name + ": invalid relocated section index")
		}

		if target := o.Sections[shdr.Info]; target != nil {
			utils.Assert(target.RelsecIdx == math.MaxUint32)
			target.RelsecIdx = uint32(i)
		}
	}
}

// readComdatGroup records one SHT_GROUP section: the signature symbol
// names the group, the body lists the enclosed section indices.
func (o *ObjectFile) readComdatGroup(ctx *Context, shdr *Shdr) {
	if int64(shdr.Info) >= int64(len(o.ElfSyms)) {
		utils.Fatal(o.File.Name + ": invalid group signature symbol")
	}
	signature := getName(o.SymbolStrtab, o.ElfSyms[shdr.Info].Name)

	bs := o.GetBytesFromShdr(shdr)
	if len(bs) < 4 || utils.Read[uint32](bs)&GRP_COMDAT == 0 {
		return
	}
	bs = bs[4:]

	members := make([]uint32, 0, len(bs)/4)
	for len(bs) >= 4 {
		members = append(members, utils.Read[uint32](bs))
		bs = bs[4:]
	}

	o.ComdatGroups = append(o.ComdatGroups, ComdatGroupRef{
		Group:   GetComdatGroupByName(ctx, signature),
		Members: members,
	})
}

func (o *ObjectFile) initializeSymbols(ctx *Context) {
	if o.SymtabSec == nil {
		return
	}

	o.LocalSyms = make([]Symbol, o.FirstGlobal)
	for i := 0; i < len(o.LocalSyms); i++ {
		o.LocalSyms[i] = *NewSymbol("")
	}
	o.LocalSyms[0].File = o
	o.LocalSyms[0].SymIdx = 0

	for i := int64(1); i < o.FirstGlobal; i++ {
		esym := &o.ElfSyms[i]
		if esym.IsCommon() {
			utils.Fatal(o.File.Name + ": common local symbol?")
		}

		name := getName(o.SymbolStrtab, esym.Name)
		if name == "" && esym.Type() == uint8(elf.STT_SECTION) {
			if sec := o.GetSection(esym, i); sec != nil {
				name = sec.Name()
			}
		}

		sym := &o.LocalSyms[i]
		sym.Name = name
		sym.File = o
		sym.Value = esym.Val
		sym.SymIdx = int32(i)

		if !esym.IsAbs() {
			sym.SetInputSection(o.Sections[o.GetShndx(esym, i)])
		}
	}

	o.Symbols = make([]*Symbol, len(o.ElfSyms))

	for i := int64(0); i < o.FirstGlobal; i++ {
		o.Symbols[i] = &o.LocalSyms[i]
	}

	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		name := getName(o.SymbolStrtab, esym.Name)
		o.Symbols[i] = GetSymbolByName(ctx, name)
	}
}

func (o *ObjectFile) sortRelocations() {
	for i := 1; i < len(o.Sections); i++ {
		isec := o.Sections[i]
		if isec == nil || !isec.IsAlive || isec.Shdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}

		rels := isec.GetRels()
		sort.SliceStable(rels, func(i, j int) bool {
			return rels[i].Offset < rels[j].Offset
		})
	}
}

func findNull(data []byte, entSize int) int {
	if entSize == 1 {
		return bytes.Index(data, []byte{0})
	}

	for i := 0; i <= len(data)-entSize; i += entSize {
		bs := data[i : i+entSize]
		if utils.AllZeros(bs) {
			return i
		}
	}
	return -1
}

func splitSection(ctx *Context, isec *InputSection) *MergeableSection {
	m := &MergeableSection{}
	shdr := isec.Shdr()
	m.Parent = GetMergedSectionInstance(ctx, isec.Name(), shdr.Type, shdr.Flags)
	m.File = isec.File
	m.P2Align = isec.P2Align

	data := isec.Contents
	offset := uint64(0)
	if shdr.Flags&uint64(elf.SHF_STRINGS) != 0 {
		for len(data) > 0 {
			end := findNull(data, int(shdr.EntSize))
			if end == -1 {
				utils.Fatal(isec.File.File.Name + ": string is not null terminated")
			}

			substr := data[:uint64(end)+shdr.EntSize]
			data = data[uint64(end)+shdr.EntSize:]
			m.Strs = append(m.Strs, string(substr))
			m.FragOffsets = append(m.FragOffsets, uint32(offset))
			offset += uint64(end) + shdr.EntSize
		}
	} else {
		if uint64(len(data))%shdr.EntSize != 0 {
			utils.Fatal(isec.File.File.Name + ": section size is not multiple of entsize")
		}
		for len(data) > 0 {
			substr := data[:shdr.EntSize]
			data = data[shdr.EntSize:]
			m.Strs = append(m.Strs, string(substr))
			m.FragOffsets = append(m.FragOffsets, uint32(offset))
			offset += shdr.EntSize
		}
	}

	return m
}

func (o *ObjectFile) initializeMergeableSections(ctx *Context) {
	o.MergeableSections = make([]*MergeableSection, len(o.Sections))
	for i := 0; i < len(o.Sections); i++ {
		isec := o.Sections[i]
		if isec != nil && isec.IsAlive && isec.Shdr().Flags&uint64(elf.SHF_MERGE) != 0 &&
			isec.ShSize > 0 && isec.Shdr().EntSize > 0 &&
			isec.RelsecIdx == math.MaxUint32 {
			o.MergeableSections[i] = splitSection(ctx, isec)
			isec.IsAlive = false
		}
	}
}

func (o *ObjectFile) skipEhframeSections() {
	for i := 0; i < len(o.Sections); i++ {
		isec := o.Sections[i]
		if isec != nil && isec.IsAlive && isec.Name() == ".eh_frame" {
			isec.IsAlive = false
		}
	}
}

func (o *ObjectFile) FillUpSymtabShndxSec(s *Shdr) {
	bs := o.InputFile.GetBytesFromShdr(s)
	nums := len(bs) / 4
	o.SymtabShndxSec = make([]uint32, 0, nums)
	for nums > 0 {
		o.SymtabShndxSec = append(o.SymtabShndxSec, utils.Read[uint32](bs))
		bs = bs[4:]
		nums--
	}
}

func (o *ObjectFile) GetSection(esym *Sym, idx int64) *InputSection {
	return o.Sections[o.GetShndx(esym, idx)]
}

func (o *ObjectFile) GetShndx(esym *Sym, idx int64) int64 {
	utils.Assert(idx >= 0 && idx < int64(len(o.ElfSyms)))
	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		return int64(o.SymtabShndxSec[idx])
	}
	return int64(esym.Shndx)
}

// ResolveSymbols registers this file's defined globals, contesting
// ownership per symbol. Runs in parallel across files; the per-symbol
// lock serializes each contest.
func (o *ObjectFile) ResolveSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if esym.IsUndef() {
			continue
		}

		var isec *InputSection
		if !o.IsDso && !esym.IsAbs() && !esym.IsCommon() {
			isec = o.GetSection(esym, i)
			if isec == nil {
				continue
			}
		}

		rank := GetRank(o, esym, !o.IsAlive.Load())

		sym.Lock()
		if rank < sym.GetRank() {
			sym.File = o
			sym.SetInputSection(isec)
			sym.Value = esym.Val
			sym.SymIdx = int32(i)
			sym.IsWeak = esym.IsWeak()
			sym.IsExported = false
		}
		sym.Unlock()

		if sym.Traced && o.File != nil {
			fmt.Printf("trace-symbol: %s: definition in %s\n", sym.Name, o.File.Name)
		}
	}
}

// MarkLiveObjects walks this live file's undefined references; every
// not-yet-live owner it reaches is activated and fed back to the work
// queue.
func (o *ObjectFile) MarkLiveObjects(ctx *Context, feeder func(*ObjectFile)) {
	utils.Assert(o.IsAlive.Load())

	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		sym := o.Symbols[i]

		o.MergeVisibility(ctx, sym, esym.StVisibility())

		if esym.IsWeak() {
			continue
		}

		if sym.File == nil {
			continue
		}

		keep := esym.IsUndef() || (esym.IsCommon() && !sym.ElfSym().IsCommon())
		if keep && !sym.File.SwapIsAlive(true) {
			if ctx.Arg.Trace {
				fmt.Printf("trace: %s keeps %s for %s\n", o.File.Name, sym.File.File.Name, sym.Name)
			}
			feeder(sym.File)
		}
	}
}

func (o *ObjectFile) MergeVisibility(ctx *Context, sym *Symbol, visibility uint8) {
	if visibility == uint8(elf.STV_INTERNAL) {
		visibility = uint8(elf.STV_HIDDEN)
	}

	priority := func(visibility uint8) int {
		switch visibility {
		case uint8(elf.STV_HIDDEN):
			return 1
		case uint8(elf.STV_PROTECTED):
			return 2
		case uint8(elf.STV_DEFAULT):
			return 3
		}
		utils.Fatal("unknown symbol visibility")
		return 0
	}

	sym.Lock()
	if priority(sym.Visibility) > priority(visibility) {
		sym.Visibility = visibility
	}
	sym.Unlock()
}

func (o *ObjectFile) ClearSymbols() {
	for _, sym := range o.GetGlobalSyms() {
		if sym.File == o {
			sym.Clear()
		}
	}
}

// ResolveComdatGroups publishes this file as a keeper candidate for
// every group it declares.
func (o *ObjectFile) ResolveComdatGroups() {
	for _, ref := range o.ComdatGroups {
		ref.Group.Elect(o.Priority)
	}
}

// EliminateDuplicateComdatGroups nullifies the member sections of every
// group this file lost. Later phases skip null slots.
func (o *ObjectFile) EliminateDuplicateComdatGroups() {
	for _, ref := range o.ComdatGroups {
		if ref.Group.Owner.Load() == o.Priority {
			continue
		}

		for _, idx := range ref.Members {
			if int(idx) < len(o.Sections) && o.Sections[idx] != nil {
				o.Sections[idx].Kill()
				o.Sections[idx] = nil
			}
		}
	}
}

func (o *ObjectFile) RegisterSectionPieces() {
	if o.IsDso {
		return
	}

	for _, m := range o.MergeableSections {
		if m == nil {
			continue
		}
		m.Pieces = make([]*StringPiece, 0, len(m.Strs))
		for i := 0; i < len(m.Strs); i++ {
			m.Pieces = append(m.Pieces, m.Parent.Insert(m.Strs[i], uint32(m.P2Align)))
		}
	}

	for i := int64(1); i < int64(len(o.ElfSyms)); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if esym.IsAbs() || esym.IsCommon() || esym.IsUndef() {
			continue
		}

		m := o.MergeableSections[o.GetShndx(esym, i)]
		if m == nil {
			continue
		}
		if sym.File != o {
			continue
		}

		piece, pieceOffset := m.GetPiece(uint32(esym.Val))
		if piece == nil {
			utils.Fatal(o.File.Name + ": bad symbol value")
		}
		sym.SetPiece(piece)
		sym.Value = uint64(pieceOffset)
	}

	nFragSyms := 0
	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive || isec.Shdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		for _, r := range isec.GetRels() {
			if esym := &o.ElfSyms[r.Sym]; esym.Type() == uint8(elf.STT_SECTION) &&
				o.MergeableSections[o.GetShndx(esym, int64(r.Sym))] != nil {
				nFragSyms++
			}
		}
	}

	for i := 0; i < nFragSyms; i++ {
		o.FragSyms = append(o.FragSyms, *NewSymbol(""))
	}

	idx := 0
	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive || isec.Shdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}

		for i := 0; i < len(isec.GetRels()); i++ {
			r := &isec.GetRels()[i]
			esym := &o.ElfSyms[r.Sym]
			if esym.Type() != uint8(elf.STT_SECTION) {
				continue
			}

			m := o.MergeableSections[o.GetShndx(esym, int64(r.Sym))]
			if m == nil {
				continue
			}

			piece, pieceOffset := m.GetPiece(uint32(esym.Val) + uint32(r.Addend))
			if piece == nil {
				utils.Fatal(o.File.Name + ": bad relocation")
			}

			sym := &o.FragSyms[idx]
			sym.File = o
			sym.Name = "<fragment>"
			sym.SymIdx = int32(r.Sym)
			sym.Visibility = uint8(elf.STV_HIDDEN)
			sym.SetPiece(piece)
			sym.Value = uint64(pieceOffset) - uint64(r.Addend)

			r.Sym = uint32(len(o.ElfSyms)) + uint32(idx)
			idx++
		}
	}

	utils.Assert(idx == len(o.FragSyms))

	for i := 0; i < len(o.FragSyms); i++ {
		o.Symbols = append(o.Symbols, &o.FragSyms[i])
	}
}

// ConvertCommonSymbols materializes every common symbol this file owns
// as a fresh NOBITS .bss input chunk.
func (o *ObjectFile) ConvertCommonSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		if !esym.IsCommon() {
			continue
		}

		sym := o.Symbols[i]
		if sym.File != o {
			continue
		}

		align := esym.Val
		if align == 0 {
			align = 1
		}

		shndx := int64(len(o.ElfSections))
		o.ElfSections = append(o.ElfSections, Shdr{
			Type:      uint32(elf.SHT_NOBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Size:      esym.Size,
			AddrAlign: align,
		})

		isec := NewInputSection(ctx, o, ".bss", shndx)
		o.Sections = append(o.Sections, isec)
		o.MergeableSections = append(o.MergeableSections, nil)

		sym.SetInputSection(isec)
		sym.Value = 0
	}
}

func (o *ObjectFile) ClaimUnresolvedSymbols(ctx *Context) {
	if !o.IsAlive.Load() {
		return
	}

	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		if !esym.IsUndef() {
			continue
		}

		sym := o.Symbols[i]

		sym.Lock()
		if sym.File != nil && (!sym.ElfSym().IsUndef() || sym.File.Priority <= o.Priority) {
			sym.Unlock()
			continue
		}

		if esym.IsUndefWeak() {
			sym.File = o
			sym.InputSection = nil
			sym.OutputSection = nil
			sym.Piece = nil
			sym.Value = 0
			sym.SymIdx = int32(i)
			sym.IsWeak = false
			sym.IsExported = false
		}
		sym.Unlock()
	}
}

func (o *ObjectFile) ScanRelocations(ctx *Context) {
	for _, isec := range o.Sections {
		if isec != nil && isec.IsAlive && isec.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
			isec.ScanRelocations(ctx)
		}
	}
}

func (o *ObjectFile) shouldWriteSymtab(sym *Symbol, esym *Sym) bool {
	if sym.Name == "" || strings.HasPrefix(sym.Name, "<fragment>") {
		return false
	}
	return esym.Type() != uint8(elf.STT_SECTION)
}

// ComputeSymtab sizes this file's halves of .symtab/.strtab.
func (o *ObjectFile) ComputeSymtab() {
	for i := int64(1); i < o.FirstGlobal; i++ {
		sym := o.Symbols[i]
		if o.shouldWriteSymtab(sym, &o.ElfSyms[i]) {
			o.LocalSymtabSize += SymSize
			o.LocalStrtabSize += uint64(len(sym.Name)) + 1
		}
	}

	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		sym := o.Symbols[i]
		if sym.File != o || !o.shouldWriteSymtab(sym, &o.ElfSyms[i]) {
			continue
		}
		o.GlobalSymtabSize += SymSize
		o.GlobalStrtabSize += uint64(len(sym.Name)) + 1
	}
}

func (o *ObjectFile) writeSym(ctx *Context, symtabBuf, strtabBuf []byte,
	symOff, strOff uint64, sym *Symbol, esym *Sym) (uint64, uint64) {
	out := Sym{
		Name:  uint32(strOff),
		Info:  esym.Info,
		Other: esym.Other,
		Val:   sym.GetAddr(ctx),
		Size:  esym.Size,
	}
	out.Shndx = sym.GetOutputShndx(ctx)

	utils.Write[Sym](symtabBuf[symOff:], out)
	strOff += uint64(writeString(strtabBuf[strOff:], sym.Name))
	return symOff + SymSize, strOff
}

// WriteSymtab writes this file's local and global symbol-table halves
// at the pre-summed offsets.
func (o *ObjectFile) WriteSymtab(ctx *Context, localSymOff, localStrOff,
	globalSymOff, globalStrOff uint64) {
	symtabBuf := ctx.Buf[ctx.Symtab.Shdr.Offset:]
	strtabBuf := ctx.Buf[ctx.Strtab.Shdr.Offset:]

	symOff, strOff := localSymOff, localStrOff
	for i := int64(1); i < o.FirstGlobal; i++ {
		sym := o.Symbols[i]
		if o.shouldWriteSymtab(sym, &o.ElfSyms[i]) {
			symOff, strOff = o.writeSym(ctx, symtabBuf, strtabBuf, symOff, strOff,
				sym, &o.ElfSyms[i])
		}
	}

	symOff, strOff = globalSymOff, globalStrOff
	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		sym := o.Symbols[i]
		if sym.File != o || !o.shouldWriteSymtab(sym, &o.ElfSyms[i]) {
			continue
		}
		symOff, strOff = o.writeSym(ctx, symtabBuf, strtabBuf, symOff, strOff,
			sym, &o.ElfSyms[i])
	}
}
