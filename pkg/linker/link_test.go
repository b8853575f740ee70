package linker

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/ksco/chibild/pkg/utils"
)

// makeTestObject synthesizes a minimal relocatable x86-64 object with
// one .text section and a global _start at its beginning.
func makeTestObject(text []byte) []byte {
	const (
		textOff     = 0x40
		symtabOff   = 0x50
		strtabOff   = 0x80
		shstrtabOff = 0x88
		shOff       = 0xb0
	)

	strtab := []byte("\x00_start\x00")
	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")

	buf := make([]byte, shOff+5*ShdrSize)

	ehdr := Ehdr{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		ShOff:     shOff,
		EhSize:    EhdrSize,
		ShEntSize: ShdrSize,
		ShNum:     5,
		ShStrndx:  4,
	}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = 1
	utils.Write[Ehdr](buf, ehdr)

	copy(buf[textOff:], text)

	utils.Write[Sym](buf[symtabOff+SymSize:], Sym{
		Name:  1,
		Info:  uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC),
		Shndx: 1,
		Size:  uint64(len(text)),
	})

	copy(buf[strtabOff:], strtab)
	copy(buf[shstrtabOff:], shstrtab)

	shdrs := []Shdr{
		{},
		{Name: 1, Type: uint32(elf.SHT_PROGBITS),
			Flags:  uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Offset: textOff, Size: uint64(len(text)), AddrAlign: 16},
		{Name: 7, Type: uint32(elf.SHT_SYMTAB),
			Offset: symtabOff, Size: 2 * SymSize,
			Link: 3, Info: 1, AddrAlign: 8, EntSize: SymSize},
		{Name: 15, Type: uint32(elf.SHT_STRTAB),
			Offset: strtabOff, Size: uint64(len(strtab)), AddrAlign: 1},
		{Name: 23, Type: uint32(elf.SHT_STRTAB),
			Offset: shstrtabOff, Size: uint64(len(shstrtab)), AddrAlign: 1},
	}
	for i, shdr := range shdrs {
		utils.Write[Shdr](buf[shOff+i*ShdrSize:], shdr)
	}

	return buf
}

// linkStatic drives the same pass pipeline the command does, over
// in-memory inputs, and returns the output image.
func linkStatic(t *testing.T, output string, inputs map[string][]byte) (*Context, []byte) {
	t.Helper()

	ctx := NewContext()
	ctx.Arg.Output = output
	ctx.Arg.IsStatic = true
	ctx.Arg.Emulation = MachineTypeX86_64
	utils.NumThreads = 2

	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	// Map order is random; feed files in sorted name order so runs are
	// comparable.
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
	for _, name := range names {
		ReadFile(ctx, &File{Name: name, Contents: inputs[name]})
	}

	AssignPriorities(ctx)
	ParseInputFiles(ctx)
	CreateInternalFile(ctx)
	ResolveSymbols(ctx)
	EliminateComdats(ctx)
	RegisterSectionPieces(ctx)
	HandleMergeableStrings(ctx)
	ConvertCommonSymbols(ctx)
	CreateSyntheticSections(ctx)
	BinSections(ctx)
	SetIsecOffsets(ctx)

	ctx.Chunks = CollectOutputSections(ctx)
	AddSyntheticSymbols(ctx)
	AddDsoSonames(ctx)
	ScanRels(ctx)
	ComputeSymtab(ctx)

	ctx.Chunks = append(ctx.Chunks, ctx.Got, ctx.Plt, ctx.GotPlt, ctx.RelPlt,
		ctx.Dynsym, ctx.Dynstr, ctx.Shstrtab, ctx.Symtab, ctx.Strtab)
	SortOutputChunks(ctx)

	ctx.Chunks = append([]Chunker{ctx.Ehdr, ctx.Phdr}, ctx.Chunks...)
	ctx.Chunks = append(ctx.Chunks, ctx.Shdr)

	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}
	ctx.Chunks = utils.RemoveIf[Chunker](ctx.Chunks, func(chunk Chunker) bool {
		return chunk.Kind() == ChunkKindSynthetic && chunk.GetShdr().Size == 0
	})
	shndx := int64(1)
	for i := 0; i < len(ctx.Chunks); i++ {
		if ctx.Chunks[i].Kind() != ChunkKindHeader {
			ctx.Chunks[i].SetShndx(shndx)
			shndx++
		}
	}
	for _, chunk := range ctx.Chunks {
		chunk.UpdateShdr(ctx)
	}

	filesize := SetOsecOffsets(ctx)
	FixSyntheticSymbols(ctx)
	ComputeTlsEnd(ctx)

	OpenOutputFile(ctx, filesize)
	CopyChunks(ctx)
	WriteSymtab(ctx)
	WriteGotPlt(ctx)
	WriteMergedStrings(ctx)
	ClearPadding(ctx)
	CloseOutputFile(ctx)

	out, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	return ctx, out
}

func TestLinkStaticHello(t *testing.T) {
	text := []byte{
		0xb8, 0x3c, 0x00, 0x00, 0x00, // mov $60, %eax
		0x31, 0xff, // xor %edi, %edi
		0x0f, 0x05, // syscall
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
	}

	dir := t.TempDir()
	out := filepath.Join(dir, "a.out")
	ctx, image := linkStatic(t, out, map[string][]byte{
		"hello.o": makeTestObject(text),
	})

	ehdr := utils.Read[Ehdr](image)
	if !CheckMagic(image) {
		t.Fatal("output is not ELF")
	}
	if ehdr.Type != uint16(elf.ET_EXEC) || ehdr.Machine != uint16(elf.EM_X86_64) {
		t.Errorf("type/machine = %d/%d", ehdr.Type, ehdr.Machine)
	}
	if ehdr.Entry < ImageBase {
		t.Errorf("entry %#x below image base", ehdr.Entry)
	}

	// _start sits at the head of .text; its bytes must appear at the
	// mapped offset unchanged.
	var textOsec *OutputSection
	for _, osec := range ctx.OutputSections {
		if osec.Name == ".text" {
			textOsec = osec
		}
	}
	if textOsec == nil {
		t.Fatal("no .text output section")
	}
	if ehdr.Entry != textOsec.Shdr.Addr {
		t.Errorf("entry %#x, want .text start %#x", ehdr.Entry, textOsec.Shdr.Addr)
	}
	got := image[textOsec.Shdr.Offset : textOsec.Shdr.Offset+uint64(len(text))]
	if !bytes.Equal(got, text) {
		t.Errorf(".text bytes differ:\n got % x\nwant % x", got, text)
	}

	// _etext covers all of _start.
	etext := GetSymbolByName(ctx, "_etext")
	start := GetSymbolByName(ctx, "_start")
	if etext.GetAddr(ctx) < start.GetAddr(ctx)+uint64(len(text)) {
		t.Error("_etext below end of _start")
	}

	// Layout invariants over the final chunk list.
	prevRank := int32(1 << 30)
	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()

		if chunk.Kind() != ChunkKindHeader {
			if rank := GetSectionRank(shdr); rank > prevRank {
				t.Errorf("%s: rank increases", chunk.GetName())
			} else {
				prevRank = rank
			}
		}

		if shdr.Type != uint32(elf.SHT_NOBITS) &&
			shdr.Offset+shdr.Size > uint64(len(image)) {
			t.Errorf("%s extends past end of file", chunk.GetName())
		}
		if shdr.AddrAlign != 0 && shdr.Offset%shdr.AddrAlign != 0 {
			t.Errorf("%s: unaligned offset", chunk.GetName())
		}
		if shdr.Flags&uint64(elf.SHF_ALLOC) != 0 &&
			shdr.Type != uint32(elf.SHT_NOBITS) &&
			shdr.Addr%PageSize != shdr.Offset%PageSize {
			t.Errorf("%s: addr/offset page phase mismatch", chunk.GetName())
		}
	}

	// Section header table sits at end of file.
	if ehdr.ShOff+uint64(ehdr.ShNum)*ShdrSize != uint64(len(image)) {
		t.Error("section header table not at end of file")
	}
}

func TestLinkDeterministic(t *testing.T) {
	text := []byte{0x0f, 0x05, 0x90, 0x90}

	dir := t.TempDir()
	inputs := map[string][]byte{"a.o": makeTestObject(text)}

	_, first := linkStatic(t, filepath.Join(dir, "out1"), inputs)
	_, second := linkStatic(t, filepath.Join(dir, "out2"), inputs)

	if !bytes.Equal(first, second) {
		t.Error("two links of identical inputs differ")
	}
}

func TestLinkFiller(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "a.out")

	ctx := NewContext()
	ctx.Arg.Filler = 0xcc
	utils.NumThreads = 1
	ctx.Arg.Output = out

	OpenOutputFile(ctx, 64)
	if ctx.Buf[0] != 0xcc || ctx.Buf[63] != 0xcc {
		t.Error("filler not applied")
	}
	CloseOutputFile(ctx)

	image, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(image) != 64 || image[10] != 0xcc {
		t.Error("mapped writes not committed")
	}
}

func TestApplyRelocations(t *testing.T) {
	ctx := NewContext()

	file := newTestObj("a.o", 10000, true)
	file.ElfSections = []Shdr{{
		Type:  uint32(elf.SHT_PROGBITS),
		Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		Size:  16,
	}}

	target := GetSymbolByName(ctx, "target")
	target.File = file
	target.Value = 0x201000

	isec := &InputSection{
		File:     file,
		Shndx:    0,
		ShSize:   16,
		IsAlive:  true,
		Contents: make([]byte, 16),
	}
	isec.OutputSection = NewOutputSection(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), 0)
	isec.OutputSection.Shdr.Addr = 0x200000
	isec.Offset = 0

	file.Symbols = []*Symbol{target}
	isec.Rels = []Rela{
		{Offset: 0, Type: uint32(elf.R_X86_64_64), Sym: 0, Addend: 8},
		{Offset: 8, Type: uint32(elf.R_X86_64_PC32), Sym: 0, Addend: -4},
	}

	buf := make([]byte, 16)
	isec.ApplyRelocAlloc(ctx, buf)

	if got := utils.Read[uint64](buf); got != 0x201008 {
		t.Errorf("R_X86_64_64 wrote %#x, want 0x201008", got)
	}

	// S + A - P with P = section addr + 8.
	want := uint32(0x201000 - 4 - (0x200000 + 8))
	if got := utils.Read[uint32](buf[8:]); got != want {
		t.Errorf("R_X86_64_PC32 wrote %#x, want %#x", got, want)
	}
}
