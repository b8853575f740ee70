package linker

import "fmt"

// PrintMap writes a link map to standard output: every output chunk
// except the ELF, program and section header tables, with its address,
// file offset and size, and under each output section its member input
// sections.
func PrintMap(ctx *Context) {
	fmt.Printf("%18s %18s %8s %6s %s\n", "VMA", "Offset", "Size", "Align", "Out     In")

	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		name := chunk.GetName()
		if name == "" {
			switch chunk.Kind() {
			case ChunkKindHeader:
				continue
			default:
				name = "<synthetic>"
			}
		}
		fmt.Printf("%18x %18x %8x %6d %s\n",
			shdr.Addr, shdr.Offset, shdr.Size, shdr.AddrAlign, name)

		osec, ok := chunk.(*OutputSection)
		if !ok {
			continue
		}
		for _, isec := range osec.Members {
			fmt.Printf("%18x %18x %8x %6d         %s:(%s)\n",
				shdr.Addr+uint64(isec.Offset), shdr.Offset+uint64(isec.Offset),
				isec.ShSize, uint64(1)<<isec.P2Align,
				isec.File.File.Name, isec.Name())
		}
	}
}
