package linker

import (
	"debug/elf"

	"golang.org/x/sys/unix"

	"github.com/ksco/chibild/pkg/utils"
)

// OpenOutputFile creates the output, grows it to filesize and maps it
// shared so workers can write disjoint ranges with no synchronization.
func OpenOutputFile(ctx *Context, filesize uint64) {
	fd, err := unix.Open(ctx.Arg.Output, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0777)
	if err != nil {
		utils.Fatal("cannot open " + ctx.Arg.Output + ": " + err.Error())
	}

	if err := unix.Ftruncate(fd, int64(filesize)); err != nil {
		utils.Fatal(ctx.Arg.Output + ": ftruncate failed: " + err.Error())
	}

	buf, err := unix.Mmap(fd, 0, int(filesize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		utils.Fatal(ctx.Arg.Output + ": mmap failed: " + err.Error())
	}
	unix.Close(fd)

	if ctx.Arg.Filler != -1 {
		filler := byte(ctx.Arg.Filler)
		for i := range buf {
			buf[i] = filler
		}
	}

	ctx.Buf = buf
	ctx.Filesize = filesize
}

// CloseOutputFile unmaps the buffer; the kernel commits the write.
func CloseOutputFile(ctx *Context) {
	utils.MustNo(unix.Munmap(ctx.Buf))
	ctx.Buf = nil
}

// CopyChunks writes fixed bytes first (ELF, program and section
// headers, .interp), then
// every chunk's payload. Chunks own disjoint ranges, so both passes
// fan out freely.
func CopyChunks(ctx *Context) {
	utils.ParallelForEach(ctx.Chunks, func(chunk Chunker) {
		chunk.Initialize(ctx)
	})

	utils.ParallelForEach(ctx.Chunks, func(chunk Chunker) {
		chunk.CopyBuf(ctx)
	})
}

// WriteSymtab fills .symtab/.strtab: local halves first, then global
// halves, each file writing at its pre-summed offset.
func WriteSymtab(ctx *Context) {
	localSymOff := make([]uint64, len(ctx.Objs)+1)
	localStrOff := make([]uint64, len(ctx.Objs)+1)
	localSymOff[0] = SymSize
	localStrOff[0] = 1

	for i := 1; i < len(ctx.Objs)+1; i++ {
		localSymOff[i] = localSymOff[i-1] + ctx.Objs[i-1].LocalSymtabSize
		localStrOff[i] = localStrOff[i-1] + ctx.Objs[i-1].LocalStrtabSize
	}

	utils.Assert(ctx.Symtab.Shdr.Info == uint32(localSymOff[len(ctx.Objs)]/SymSize))

	globalSymOff := make([]uint64, len(ctx.Objs)+1)
	globalStrOff := make([]uint64, len(ctx.Objs)+1)
	globalSymOff[0] = localSymOff[len(ctx.Objs)]
	globalStrOff[0] = localStrOff[len(ctx.Objs)]

	for i := 1; i < len(ctx.Objs)+1; i++ {
		globalSymOff[i] = globalSymOff[i-1] + ctx.Objs[i-1].GlobalSymtabSize
		globalStrOff[i] = globalStrOff[i-1] + ctx.Objs[i-1].GlobalStrtabSize
	}

	utils.Assert(globalSymOff[len(ctx.Objs)] == ctx.Symtab.Shdr.Size)
	utils.Assert(globalStrOff[len(ctx.Objs)] == ctx.Strtab.Shdr.Size)

	// The null symbol.
	utils.Write[Sym](ctx.Buf[ctx.Symtab.Shdr.Offset:], Sym{})
	ctx.Buf[ctx.Strtab.Shdr.Offset] = 0

	utils.ParallelFor(len(ctx.Objs), func(i int) {
		if ctx.Objs[i].IsDso {
			return
		}
		ctx.Objs[i].WriteSymtab(ctx, localSymOff[i], localStrOff[i],
			globalSymOff[i], globalStrOff[i])
	})
}

// WriteGotPlt fills the synthetic .got, .got.plt, .plt, .rela.plt and
// .rela.dyn entries, each file writing into its own reserved ranges.
func WriteGotPlt(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		gotBuf := ctx.Buf[ctx.Got.Shdr.Offset+file.GotOffset:]
		gotpltBuf := ctx.Buf[ctx.GotPlt.Shdr.Offset+file.GotPltOffset:]
		relpltBuf := ctx.Buf[ctx.RelPlt.Shdr.Offset+file.RelPltOffset:]
		reldynIdx := 0

		for _, sym := range file.Symbols {
			if sym.File != file {
				continue
			}

			if sym.GotIdx != -1 {
				if ctx.Arg.IsStatic {
					utils.Write[uint64](gotBuf[sym.GotIdx*GotSize:], sym.GetAddr(ctx))
				} else {
					reldynBuf := ctx.Buf[ctx.RelDyn.Shdr.Offset+file.RelDynOffset:]
					writeDynamicRel(reldynBuf[reldynIdx*RelaSize:],
						uint32(elf.R_X86_64_GLOB_DAT), sym.GetGotAddr(ctx),
						sym.DynsymIdx, 0)
					reldynIdx++
				}
			}

			if sym.GotTpIdx != -1 {
				utils.Write[uint64](gotBuf[sym.GotTpIdx*GotSize:], sym.GetAddr(ctx)-ctx.TlsEnd)
			}

			if sym.GotGdIdx != -1 || sym.GotLdIdx != -1 {
				utils.Fatal("unimplemented")
			}

			if sym.PltIdx != -1 {
				ctx.Plt.WriteEntry(ctx, sym)
			}

			if sym.RelPltIdx != -1 {
				if sym.IsIfunc() {
					writeDynamicRel(relpltBuf[sym.RelPltIdx*RelaSize:],
						uint32(elf.R_X86_64_IRELATIVE), sym.GetGotPltAddr(ctx),
						sym.DynsymIdx, int64(sym.GetAddr(ctx)))
				} else {
					writeDynamicRel(relpltBuf[sym.RelPltIdx*RelaSize:],
						uint32(elf.R_X86_64_JMP_SLOT), sym.GetGotPltAddr(ctx),
						sym.DynsymIdx, 0)
					utils.Write[uint64](gotpltBuf[sym.GotPltIdx*GotSize:],
						sym.GetPltAddr(ctx)+6)
				}
			}
		}
	})
}

// WriteMergedStrings copies every owned piece through its owner's
// offset range.
func WriteMergedStrings(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for _, m := range file.MergeableSections {
			if m == nil {
				continue
			}

			base := ctx.Buf[m.Parent.Shdr.Offset+m.Offset:]
			for _, piece := range m.Pieces {
				if piece.Isec.Load() == m {
					copy(base[piece.OutputOffset:], piece.Data)
				}
			}
		}
	})
}

// ClearPadding zeroes the gaps between adjacent chunks and the tail
// through filesize.
func ClearPadding(ctx *Context) {
	zero := func(chunk Chunker, nextStart uint64) {
		shdr := chunk.GetShdr()
		pos := shdr.Offset
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			pos += shdr.Size
		}
		for i := pos; i < nextStart; i++ {
			ctx.Buf[i] = 0
		}
	}

	for i := 1; i < len(ctx.Chunks); i++ {
		zero(ctx.Chunks[i-1], ctx.Chunks[i].GetShdr().Offset)
	}
	zero(ctx.Chunks[len(ctx.Chunks)-1], ctx.Filesize)
}
