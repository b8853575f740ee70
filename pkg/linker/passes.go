package linker

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/ksco/chibild/pkg/utils"
)

func CreateInternalFile(ctx *Context) {
	obj := &ObjectFile{}
	ctx.InternalObj = obj
	ctx.Objs = append(ctx.Objs, obj)

	ctx.InternalEsyms = make([]Sym, 1)
	obj.Symbols = append(obj.Symbols, NewSymbol(""))
	obj.FirstGlobal = 1
	obj.IsAlive.Store(true)
	obj.Priority = 1

	obj.ElfSyms = ctx.InternalEsyms
}

// ResolveSymbols runs the three resolver phases with barriers between
// them: register defined globals, pull in archive members, convert
// undefined weaks.
func ResolveSymbols(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ResolveSymbols(ctx)
	})

	MarkLiveObjects(ctx)

	for _, file := range ctx.Objs {
		if !file.IsAlive.Load() {
			file.ClearSymbols()
		}
	}

	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		if file.IsAlive.Load() {
			file.ResolveSymbols(ctx)
		}
	})

	ctx.Objs = utils.RemoveIf[*ObjectFile](ctx.Objs, func(file *ObjectFile) bool {
		return !file.IsAlive.Load()
	})

	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ClaimUnresolvedSymbols(ctx)
	})
}

// MarkLiveObjects transitively activates archive members. Each worker
// dequeues a live file, walks its undefs and feeds every file it
// wakes back into the queue.
func MarkLiveObjects(ctx *Context) {
	roots := make([]*ObjectFile, 0)
	for _, file := range ctx.Objs {
		if file.IsAlive.Load() && !file.IsDso {
			roots = append(roots, file)
		}
	}

	utils.Assert(len(roots) > 0)

	utils.WorkQueue(roots, func(file *ObjectFile, feed func(*ObjectFile)) {
		file.MarkLiveObjects(ctx, feed)
	})
}

func EliminateComdats(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ResolveComdatGroups()
	})

	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.EliminateDuplicateComdatGroups()
	})
}

func RegisterSectionPieces(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.RegisterSectionPieces()
	})
}

// HandleMergeableStrings elects a unique owner per piece, assigns piece
// offsets within each owner, then rolls owner sizes up into the parent
// sections sequentially so the layout is stable regardless of election
// order.
func HandleMergeableStrings(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for _, m := range file.MergeableSections {
			if m != nil {
				m.ResolvePieces()
			}
		}
	})

	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for _, m := range file.MergeableSections {
			if m != nil {
				m.AssignOffsets()
			}
		}
	})

	for _, file := range ctx.Objs {
		for _, m := range file.MergeableSections {
			if m == nil {
				continue
			}
			m.Offset = m.Parent.Shdr.Size
			m.Parent.Shdr.Size += m.Size
			if align := uint64(1) << m.P2Align; align > m.Parent.Shdr.AddrAlign {
				m.Parent.Shdr.AddrAlign = align
			}
		}
	}
}

func ConvertCommonSymbols(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		if !file.IsDso && file != ctx.InternalObj {
			file.ConvertCommonSymbols(ctx)
		}
	})
}

func CreateSyntheticSections(ctx *Context) {
	ctx.Ehdr = NewOutputEhdr()
	ctx.Phdr = NewOutputPhdr()
	ctx.Shdr = NewOutputShdr()
	ctx.Got = NewGotSection()
	ctx.GotPlt = NewGotPltSection()
	ctx.Plt = NewPltSection()
	ctx.RelPlt = NewRelPltSection()
	ctx.Symtab = NewSymtabSection()
	ctx.Strtab = NewStrtabSection()
	ctx.Shstrtab = NewShstrtabSection()
	ctx.Dynsym = NewDynsymSection()
	ctx.Dynstr = NewDynstrSection()

	if !ctx.Arg.IsStatic {
		ctx.Interp = NewInterpSection()
		ctx.Dynamic = NewDynamicSection()
		ctx.RelDyn = NewRelDynSection()
		ctx.Hash = NewHashSection()
	}
}

// BinSections builds the reverse edges: per output section, the ordered
// list of member input chunks. Files are cut into ~128 slices; each
// slice bins locally, then the per-section lists are concatenated in
// parallel. Insertion order is (slice, file, section) — deterministic.
func BinSections(ctx *Context) {
	unit := (len(ctx.Objs) + 127) / 128
	slices := utils.Split(ctx.Objs, unit)

	numOsec := len(ctx.OutputSections)
	groups := make([][][]*InputSection, len(slices))

	utils.ParallelFor(len(slices), func(i int) {
		groups[i] = make([][]*InputSection, numOsec)
		for _, file := range slices[i] {
			for _, isec := range file.Sections {
				if isec == nil || !isec.IsAlive {
					continue
				}
				idx := isec.OutputSection.Idx
				groups[i][idx] = append(groups[i][idx], isec)
			}
		}
	})

	sizes := make([]int, numOsec)
	for _, group := range groups {
		for i := 0; i < numOsec; i++ {
			sizes[i] += len(group[i])
		}
	}

	utils.ParallelFor(numOsec, func(j int) {
		members := make([]*InputSection, 0, sizes[j])
		for i := 0; i < len(groups); i++ {
			members = append(members, groups[i][j]...)
		}
		ctx.OutputSections[j].Members = members
	})
}

// SetIsecOffsets assigns every input section its offset within its
// output section. Members are cut into ~100k chunks; each computes a
// local running offset, then a sequential prefix over chunk starts and
// a parallel fix-up make the result identical to a serial walk.
func SetIsecOffsets(ctx *Context) {
	utils.ParallelForEach(ctx.OutputSections, func(osec *OutputSection) {
		if len(osec.Members) == 0 {
			return
		}

		slices := utils.Split(osec.Members, 100000)
		sizes := make([]uint64, len(slices))
		aligns := make([]uint64, len(slices))

		utils.ParallelFor(len(slices), func(i int) {
			off := uint64(0)
			align := uint64(1)

			for _, isec := range slices[i] {
				off = utils.AlignTo(off, uint64(1)<<isec.P2Align)
				isec.Offset = uint32(off)
				off += uint64(isec.ShSize)
				if a := uint64(1) << isec.P2Align; a > align {
					align = a
				}
			}

			sizes[i] = off
			aligns[i] = align
		})

		align := uint64(1)
		for _, a := range aligns {
			if a > align {
				align = a
			}
		}

		start := make([]uint64, len(slices))
		for i := 1; i < len(slices); i++ {
			start[i] = utils.AlignTo(start[i-1]+sizes[i-1], align)
		}

		utils.ParallelFor(len(slices), func(i int) {
			if i == 0 {
				return
			}
			for _, isec := range slices[i] {
				isec.Offset += uint32(start[i])
			}
		})

		osec.Shdr.Size = start[len(slices)-1] + sizes[len(slices)-1]
		osec.Shdr.AddrAlign = align
	})
}

// CollectOutputSections returns the non-empty output and merged
// sections sorted by (name, type, flags) so the chunk list is a
// deterministic function of the inputs.
func CollectOutputSections(ctx *Context) []Chunker {
	osecs := make([]Chunker, 0)
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) != 0 {
			osecs = append(osecs, osec)
		}
	}
	for _, osec := range ctx.MergedSections {
		if osec.Shdr.Size > 0 {
			osecs = append(osecs, osec)
		}
	}

	sort.SliceStable(osecs, func(i, j int) bool {
		x, y := osecs[i], osecs[j]
		if x.GetName() != y.GetName() {
			return x.GetName() < y.GetName()
		}
		if x.GetShdr().Type != y.GetShdr().Type {
			return x.GetShdr().Type < y.GetShdr().Type
		}
		return x.GetShdr().Flags < y.GetShdr().Flags
	})
	return osecs
}

func AddSyntheticSymbols(ctx *Context) {
	obj := ctx.InternalObj

	add := func(name string) *Symbol {
		esym := Sym{
			Info:  uint8(elf.STB_GLOBAL) << 4,
			Shndx: uint16(elf.SHN_ABS),
			Other: uint8(elf.STV_HIDDEN),
		}
		ctx.InternalEsyms = append(ctx.InternalEsyms, esym)
		sym := GetSymbolByName(ctx, name)
		obj.Symbols = append(obj.Symbols, sym)
		return sym
	}

	ctx.__BssStart = add("__bss_start")
	ctx.__EhdrStart = add("__ehdr_start")
	ctx.__RelaIpltStart = add("__rela_iplt_start")
	ctx.__RelaIpltEnd = add("__rela_iplt_end")
	ctx.__InitArrayStart = add("__init_array_start")
	ctx.__InitArrayEnd = add("__init_array_end")
	ctx.__FiniArrayStart = add("__fini_array_start")
	ctx.__FiniArrayEnd = add("__fini_array_end")
	ctx.__End = add("_end")
	ctx.End = add("end")
	ctx.__Etext = add("_etext")
	ctx.Etext = add("etext")
	ctx.__Edata = add("_edata")
	ctx.Edata = add("edata")
	ctx.__GlobalOffsetTable = add("_GLOBAL_OFFSET_TABLE_")
	if !ctx.Arg.IsStatic {
		ctx.__Dynamic = add("_DYNAMIC")
	}

	for _, chunk := range ctx.Chunks {
		if chunk.Kind() == ChunkKindOutputSection && IsCIdentifier(chunk.GetName()) {
			add("__start_" + chunk.GetName())
			add("__stop_" + chunk.GetName())
		}
	}

	obj.ElfSyms = ctx.InternalEsyms

	obj.ResolveSymbols(ctx)
}

// AddDsoSonames copies shared-object names into .dynstr before its
// size freezes.
func AddDsoSonames(ctx *Context) {
	for _, file := range ctx.Objs {
		if file.IsDso {
			file.SonameOffset = ctx.Dynstr.AddString(file.Soname)
		}
	}
}

func scanRelsStatic(ctx *Context, file *ObjectFile) {
	for _, sym := range file.Symbols {
		if sym.File != file {
			continue
		}

		rels := sym.Rels()
		if rels == 0 {
			continue
		}

		if rels&HasGotRel != 0 {
			sym.GotIdx = file.NumGot
			file.NumGot++
		}

		if rels&HasPltRel != 0 && sym.IsIfunc() {
			sym.PltIdx = file.NumPlt
			file.NumPlt++
			sym.GotPltIdx = file.NumGotPlt
			file.NumGotPlt++
			sym.RelPltIdx = file.NumRelPlt
			file.NumRelPlt++
		}

		if rels&(HasTlsGdRel|HasTlsLdRel) != 0 {
			utils.Fatal("not implemented")
		}

		if rels&HasGotTpRel != 0 {
			sym.GotTpIdx = file.NumGot
			file.NumGot++
		}
	}
}

func scanRelsDynamic(ctx *Context, file *ObjectFile) {
	for _, sym := range file.Symbols {
		if sym.File != file {
			continue
		}

		rels := sym.Rels()
		if rels == 0 {
			continue
		}

		needsDynsym := false

		if rels&HasGotRel != 0 {
			sym.GotIdx = file.NumGot
			file.NumGot++
			file.NumRelDyn++
			needsDynsym = true
		}

		if rels&HasPltRel != 0 {
			sym.PltIdx = file.NumPlt
			file.NumPlt++
			needsDynsym = true

			if sym.GotIdx == -1 {
				sym.GotPltIdx = file.NumGotPlt
				file.NumGotPlt++
				sym.RelPltIdx = file.NumRelPlt
				file.NumRelPlt++
			}
		}

		if rels&HasTlsGdRel != 0 {
			sym.GotGdIdx = file.NumGot
			file.NumGot += 2
			file.NumRelDyn += 2
			needsDynsym = true
		}

		if rels&HasTlsLdRel != 0 {
			sym.GotGdIdx = file.NumGot
			file.NumGot++
			file.NumRelDyn++
			needsDynsym = true
		}

		if rels&HasGotTpRel != 0 {
			sym.GotTpIdx = file.NumGot
			file.NumGot++
		}

		if needsDynsym {
			file.Dynsyms = append(file.Dynsyms, sym)
		}
	}
}

// ScanRels walks every relocation to collect per-symbol demand, lets
// each file allocate its slots, then rolls per-file counts up into the
// synthetic section sizes in input order.
func ScanRels(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.ScanRelocations(ctx)
	})

	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		if ctx.Arg.IsStatic {
			scanRelsStatic(ctx, file)
		} else {
			scanRelsDynamic(ctx, file)
		}
	})

	for _, file := range ctx.Objs {
		file.GotOffset = ctx.Got.Shdr.Size
		ctx.Got.Shdr.Size += uint64(file.NumGot) * GotSize

		file.GotPltOffset = ctx.GotPlt.Shdr.Size
		ctx.GotPlt.Shdr.Size += uint64(file.NumGotPlt) * GotSize

		file.PltOffset = ctx.Plt.Shdr.Size
		ctx.Plt.Shdr.Size += uint64(file.NumPlt) * PltSize

		file.RelPltOffset = ctx.RelPlt.Shdr.Size
		ctx.RelPlt.Shdr.Size += uint64(file.NumRelPlt) * RelaSize

		if ctx.RelDyn != nil {
			file.RelDynOffset = ctx.RelDyn.Shdr.Size
			ctx.RelDyn.Shdr.Size += uint64(file.NumRelDyn) * RelaSize
		}
	}

	for _, file := range ctx.Objs {
		ctx.Dynsym.AddSymbols(ctx, file.Dynsyms)
	}
}

// ComputeSymtab sizes .symtab/.strtab from the per-file halves.
func ComputeSymtab(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		if !file.IsDso {
			file.ComputeSymtab()
		}
	})

	numLocals := uint64(1)
	for _, file := range ctx.Objs {
		ctx.Symtab.Shdr.Size += file.LocalSymtabSize + file.GlobalSymtabSize
		ctx.Strtab.Shdr.Size += file.LocalStrtabSize + file.GlobalStrtabSize
		numLocals += file.LocalSymtabSize / SymSize
	}
	ctx.Symtab.Shdr.Info = uint32(numLocals)
}

// GetSectionRank keys the chunk order: alloc RO data, RO code, RW
// tdata, RW tbss, RW data, RW bss, then nonalloc. Sorting by it
// (descending) needs as few PT_LOADs as possible.
func GetSectionRank(shdr *Shdr) int32 {
	b2i := func(b bool) int32 {
		if b {
			return 1
		}
		return 0
	}

	alloc := b2i(shdr.Flags&uint64(elf.SHF_ALLOC) != 0)
	writable := b2i(shdr.Flags&uint64(elf.SHF_WRITE) != 0)
	exec := b2i(shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0)
	tls := b2i(shdr.Flags&uint64(elf.SHF_TLS) != 0)
	nobits := b2i(shdr.Type == uint32(elf.SHT_NOBITS))

	return alloc<<5 | (1-writable)<<4 | (1-exec)<<3 | tls<<2 | (1 - nobits)
}

func SortOutputChunks(ctx *Context) {
	sort.SliceStable(ctx.Chunks, func(i, j int) bool {
		return GetSectionRank(ctx.Chunks[i].GetShdr()) > GetSectionRank(ctx.Chunks[j].GetShdr())
	})
}

// doSetOsecOffsets walks the chunk list once, carrying a file offset
// and a virtual address. Non-NOBITS chunks keep vaddr and fileoff
// congruent modulo the page size so each PT_LOAD maps directly.
func doSetOsecOffsets(ctx *Context) uint64 {
	fileoff := uint64(0)
	vaddr := ImageBase

	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()

		if chunk.StartsNewPtLoad() {
			vaddr = utils.AlignTo(vaddr, PageSize)
		}

		isBss := shdr.Type == uint32(elf.SHT_NOBITS)

		if !isBss {
			if vaddr%PageSize > fileoff%PageSize {
				fileoff += vaddr%PageSize - fileoff%PageSize
			} else if vaddr%PageSize < fileoff%PageSize {
				fileoff = utils.AlignTo(fileoff, PageSize) + vaddr%PageSize
			}
		}

		fileoff = utils.AlignTo(fileoff, shdr.AddrAlign)
		vaddr = utils.AlignTo(vaddr, shdr.AddrAlign)

		shdr.Offset = fileoff
		if shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
			shdr.Addr = vaddr
		}

		if !isBss {
			fileoff += shdr.Size
		}

		isTbss := isBss && shdr.Flags&uint64(elf.SHF_TLS) != 0
		if !isTbss {
			vaddr += shdr.Size
		}
	}
	return fileoff
}

// SetOsecOffsets iterates layout until the program-header table stops
// growing; adding a segment can move every following chunk.
func SetOsecOffsets(ctx *Context) uint64 {
	for {
		fileoff := doSetOsecOffsets(ctx)

		size := ctx.Phdr.Shdr.Size
		ctx.Phdr.UpdateShdr(ctx)

		if size == ctx.Phdr.Shdr.Size {
			return fileoff
		}
	}
}

// ComputeTlsEnd finds the ending address of the TLS image; initial-exec
// offsets are negative distances from it.
func ComputeTlsEnd(ctx *Context) {
	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if shdr.Flags&uint64(elf.SHF_TLS) != 0 {
			end := utils.AlignTo(shdr.Addr+shdr.Size, shdr.AddrAlign)
			if end > ctx.TlsEnd {
				ctx.TlsEnd = end
			}
		}
	}
}

func FixSyntheticSymbols(ctx *Context) {
	start := func(sym *Symbol, chunk Chunker) {
		if sym != nil && chunk != nil {
			sym.SetOutputSection(chunk)
			sym.Value = chunk.GetShdr().Addr
		}
	}

	stop := func(sym *Symbol, chunk Chunker) {
		if sym != nil && chunk != nil {
			sym.SetOutputSection(chunk)
			sym.Value = chunk.GetShdr().Addr + chunk.GetShdr().Size
		}
	}

	for _, chunk := range ctx.Chunks {
		if chunk.Kind() == ChunkKindOutputSection && chunk.GetName() == ".bss" {
			start(ctx.__BssStart, chunk)
			break
		}
	}

	for _, chunk := range ctx.Chunks {
		if chunk.Kind() != ChunkKindHeader {
			start(ctx.__EhdrStart, chunk)
			ctx.__EhdrStart.Value = ctx.Ehdr.Shdr.Addr
			break
		}
	}

	start(ctx.__RelaIpltStart, ctx.RelPlt)
	stop(ctx.__RelaIpltEnd, ctx.RelPlt)

	for _, chunk := range ctx.Chunks {
		switch chunk.GetShdr().Type {
		case uint32(elf.SHT_INIT_ARRAY):
			start(ctx.__InitArrayStart, chunk)
			stop(ctx.__InitArrayEnd, chunk)
		case uint32(elf.SHT_FINI_ARRAY):
			start(ctx.__FiniArrayStart, chunk)
			stop(ctx.__FiniArrayEnd, chunk)
		}
	}

	for _, chunk := range ctx.Chunks {
		if chunk.Kind() == ChunkKindHeader {
			continue
		}

		shdr := chunk.GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
			stop(ctx.__End, chunk)
			stop(ctx.End, chunk)
		}
		if shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0 {
			stop(ctx.__Etext, chunk)
			stop(ctx.Etext, chunk)
		}
		if shdr.Type != uint32(elf.SHT_NOBITS) &&
			shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
			stop(ctx.__Edata, chunk)
			stop(ctx.Edata, chunk)
		}
	}

	if ctx.Dynamic != nil {
		start(ctx.__Dynamic, ctx.Dynamic)
	}

	start(ctx.__GlobalOffsetTable, ctx.GotPlt)

	for _, chunk := range ctx.Chunks {
		if chunk.Kind() == ChunkKindOutputSection && IsCIdentifier(chunk.GetName()) {
			start(GetSymbolByName(ctx, "__start_"+chunk.GetName()), chunk)
			stop(GetSymbolByName(ctx, "__stop_"+chunk.GetName()), chunk)
		}
	}
}

// PrintTraceSymbols reports where each traced symbol ended up.
func PrintTraceSymbols(ctx *Context) {
	ctx.symbolMap.Range(func(_, value any) bool {
		sym := value.(*Symbol)
		if sym.Traced && sym.File != nil && sym.File.File != nil {
			fmt.Printf("trace-symbol: %s: resolved to %s\n", sym.Name, sym.File.File.Name)
		}
		return true
	})
}
