package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"

	"github.com/ksco/chibild/pkg/linker"
	"github.com/ksco/chibild/pkg/utils"
)

var version string

func main() {
	ctx := linker.NewContext()
	remaining := parseNonpositionalArgs(ctx)

	if ctx.Arg.Output == "" {
		utils.Fatal("-o option is missing")
	}
	if ctx.Arg.ThreadCount == 0 {
		ctx.Arg.ThreadCount = env.Int("CHIBILD_THREAD_COUNT", runtime.NumCPU())
	}
	if ctx.Arg.ThreadCount <= 0 {
		utils.Fatal("-thread-count: expected a positive integer")
	}
	utils.NumThreads = ctx.Arg.ThreadCount

	if ctx.Arg.Emulation == linker.MachineTypeNone {
		for _, filename := range remaining {
			file := linker.MustNewFile(filename)
			ctx.Arg.Emulation = linker.GetMachineTypeFromContents(file.Contents)
			if ctx.Arg.Emulation != linker.MachineTypeNone {
				break
			}
		}
	}

	if ctx.Arg.Emulation != linker.MachineTypeX86_64 {
		utils.Fatal("unknown emulation type")
	}

	linker.ReadInputFiles(ctx, remaining)
	linker.AssignPriorities(ctx)
	linker.ParseInputFiles(ctx)
	linker.CreateInternalFile(ctx)
	linker.ResolveSymbols(ctx)

	if ctx.Arg.Trace {
		for _, file := range ctx.Objs {
			if file.File != nil {
				fmt.Println(file.File.Name)
			}
		}
	}

	linker.EliminateComdats(ctx)
	linker.RegisterSectionPieces(ctx)
	linker.HandleMergeableStrings(ctx)
	linker.ConvertCommonSymbols(ctx)
	linker.CreateSyntheticSections(ctx)
	linker.BinSections(ctx)
	linker.SetIsecOffsets(ctx)

	ctx.Chunks = linker.CollectOutputSections(ctx)
	linker.AddSyntheticSymbols(ctx)
	linker.AddDsoSonames(ctx)
	linker.ScanRels(ctx)
	linker.ComputeSymtab(ctx)

	push := func(chunk linker.Chunker) {
		ctx.Chunks = append(ctx.Chunks, chunk)
	}
	push(ctx.Got)
	push(ctx.Plt)
	push(ctx.GotPlt)
	push(ctx.RelPlt)
	if !ctx.Arg.IsStatic {
		push(ctx.RelDyn)
		push(ctx.Dynamic)
		push(ctx.Hash)
	}
	push(ctx.Dynsym)
	push(ctx.Dynstr)
	push(ctx.Shstrtab)
	push(ctx.Symtab)
	push(ctx.Strtab)

	linker.SortOutputChunks(ctx)

	head := []linker.Chunker{ctx.Ehdr, ctx.Phdr}
	if ctx.Interp != nil {
		head = append(head, ctx.Interp)
	}
	ctx.Chunks = append(head, ctx.Chunks...)
	ctx.Chunks = append(ctx.Chunks, ctx.Shdr)

	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}

	ctx.Chunks = utils.RemoveIf[linker.Chunker](ctx.Chunks, func(chunk linker.Chunker) bool {
		return chunk.Kind() == linker.ChunkKindSynthetic && chunk.GetShdr().Size == 0
	})

	shndx := int64(1)
	for i := 0; i < len(ctx.Chunks); i++ {
		if ctx.Chunks[i].Kind() != linker.ChunkKindHeader {
			ctx.Chunks[i].SetShndx(shndx)
			shndx++
		}
	}

	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}

	filesize := linker.SetOsecOffsets(ctx)
	linker.FixSyntheticSymbols(ctx)
	linker.ComputeTlsEnd(ctx)
	linker.PrintTraceSymbols(ctx)

	linker.OpenOutputFile(ctx, filesize)
	linker.CopyChunks(ctx)
	linker.WriteSymtab(ctx)
	linker.WriteGotPlt(ctx)
	linker.WriteMergedStrings(ctx)
	linker.ClearPadding(ctx)
	linker.CloseOutputFile(ctx)

	if ctx.Arg.PrintMap {
		linker.PrintMap(ctx)
	}

	if ctx.Arg.Stat {
		numInputSections := int64(0)
		for _, file := range ctx.Objs {
			numInputSections += int64(len(file.Sections))
		}
		numMergedStrings := int64(0)
		for _, m := range ctx.MergedSections {
			m.Map.Range(func(_, _ any) bool {
				numMergedStrings++
				return true
			})
		}
		linker.NewCounter(ctx, "merged_strings", numMergedStrings)
		linker.NewCounter(ctx, "input_sections", numInputSections)
		linker.NewCounter(ctx, "output_chunks", int64(len(ctx.Chunks)))
		linker.NewCounter(ctx, "files", int64(len(ctx.Objs)))
		linker.NewCounter(ctx, "filesize", int64(filesize))
		linker.PrintCounters(ctx)
	}
}

func parseFiller(arg string) int {
	val, ok := utils.RemovePrefix(arg, "0x")
	if !ok {
		utils.Fatal("invalid argument: -filler " + arg)
	}
	ret, err := strconv.ParseUint(val, 16, 8)
	if err != nil {
		utils.Fatal("invalid argument: -filler " + arg)
	}
	return int(ret)
}

func parseNonpositionalArgs(ctx *linker.Context) []string {
	dashes := func(name string) []string {
		if len(name) == 1 {
			return []string{"-" + name}
		}
		if name[0] == 'o' {
			return []string{"--" + name}
		}
		return []string{"-" + name, "--" + name}
	}

	args := os.Args[1:]
	remaining := make([]string, 0)
	var arg string

	readArg := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				if len(args) == 1 {
					utils.Fatal(fmt.Sprintf("option -%s: argument missing", name))
					return false
				}
				arg = args[1]
				args = args[2:]
				return true
			}

			prefix := opt
			if len(name) > 1 {
				prefix += "="
			}

			if strings.HasPrefix(args[0], prefix) {
				arg = args[0][len(prefix):]
				args = args[1:]
				return true
			}
		}
		return false
	}

	readFlag := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				args = args[1:]
				return true
			}
		}
		return false
	}

	for len(args) > 0 {
		if readFlag("help") {
			fmt.Printf("Usage: %s [options] file...\n", os.Args[0])
			os.Exit(0)
		}

		if readArg("o") || readArg("output") {
			ctx.Arg.Output = arg
		} else if readFlag("v") || readFlag("version") {
			fmt.Printf("chibild %s\n", version)
			os.Exit(0)
		} else if readArg("m") {
			if arg == "elf_x86_64" {
				ctx.Arg.Emulation = linker.MachineTypeX86_64
			} else {
				utils.Fatal(fmt.Sprintf("unknown -m argument: %s", arg))
			}
		} else if readFlag("static") {
			ctx.Arg.IsStatic = true
		} else if readArg("filler") {
			ctx.Arg.Filler = parseFiller(arg)
		} else if readArg("thread-count") {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				utils.Fatal("-thread-count: expected a positive integer, but got '" + arg + "'")
			}
			ctx.Arg.ThreadCount = n
		} else if readArg("trace-symbol") {
			linker.GetSymbolByName(ctx, arg).Traced = true
		} else if readFlag("trace") {
			ctx.Arg.Trace = true
		} else if readFlag("print-map") {
			ctx.Arg.PrintMap = true
		} else if readFlag("stat") {
			ctx.Arg.Stat = true
		} else {
			if args[0][0] == '-' {
				utils.Fatal(fmt.Sprintf("unknown command line option: %s", args[0]))
			}
			remaining = append(remaining, args[0])
			args = args[1:]
		}
	}

	return remaining
}
