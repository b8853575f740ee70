package linker

import (
	"debug/elf"
	"testing"
)

func TestSymAccessors(t *testing.T) {
	var s Sym
	s.SetBind(uint8(elf.STB_WEAK))
	s.SetType(uint8(STT_GNU_IFUNC))

	if s.Bind() != uint8(elf.STB_WEAK) {
		t.Errorf("bind = %d", s.Bind())
	}
	if s.Type() != uint8(STT_GNU_IFUNC) || !s.IsIfunc() {
		t.Errorf("type = %d", s.Type())
	}

	s.Shndx = uint16(elf.SHN_UNDEF)
	if !s.IsUndef() || !s.IsWeak() || !s.IsUndefWeak() {
		t.Error("undef-weak predicates wrong")
	}

	s.Shndx = uint16(elf.SHN_COMMON)
	if !s.IsCommon() || s.IsUndef() {
		t.Error("common predicates wrong")
	}
}

func TestIsCIdentifier(t *testing.T) {
	valid := []string{"foo", "_foo", "my_section", "A1"}
	invalid := []string{"", ".text", "1abc", "foo.bar", "foo-bar"}

	for _, name := range valid {
		if !IsCIdentifier(name) {
			t.Errorf("IsCIdentifier(%q) = false", name)
		}
	}
	for _, name := range invalid {
		if IsCIdentifier(name) {
			t.Errorf("IsCIdentifier(%q) = true", name)
		}
	}
}

func TestGetOutputName(t *testing.T) {
	merge := uint64(elf.SHF_MERGE)
	strs := uint64(elf.SHF_MERGE | elf.SHF_STRINGS)

	tests := []struct {
		name  string
		flags uint64
		want  string
	}{
		{".text.startup", 0, ".text"},
		{".text", 0, ".text"},
		{".data.rel.ro.foo", 0, ".data.rel.ro"},
		{".bss.x", 0, ".bss"},
		{".rodata.str1.1", strs, ".rodata.str"},
		{".rodata.cst8", merge, ".rodata.cst"},
		{".rodata.foo", 0, ".rodata"},
		{".init_array.00001", 0, ".init_array"},
		{".mysection", 0, ".mysection"},
	}

	for _, tt := range tests {
		if got := GetOutputName(tt.name, tt.flags); got != tt.want {
			t.Errorf("GetOutputName(%q, %#x) = %q, want %q",
				tt.name, tt.flags, got, tt.want)
		}
	}
}

func TestCanonicalizeType(t *testing.T) {
	if got := CanonicalizeType(".init_array", uint64(elf.SHT_PROGBITS)); got != uint64(elf.SHT_INIT_ARRAY) {
		t.Errorf("init_array type = %d", got)
	}
	if got := CanonicalizeType(".fini_array.5", uint64(elf.SHT_PROGBITS)); got != uint64(elf.SHT_FINI_ARRAY) {
		t.Errorf("fini_array type = %d", got)
	}
	if got := CanonicalizeType(".text", uint64(elf.SHT_PROGBITS)); got != uint64(elf.SHT_PROGBITS) {
		t.Errorf("text type = %d", got)
	}
}

func TestGetFileType(t *testing.T) {
	rel := make([]byte, 64)
	WriteMagic(rel)
	rel[16] = byte(elf.ET_REL)
	if GetFileType(rel) != FileTypeObject {
		t.Error("ET_REL not classified as object")
	}

	dyn := make([]byte, 64)
	WriteMagic(dyn)
	dyn[16] = byte(elf.ET_DYN)
	if GetFileType(dyn) != FileTypeDso {
		t.Error("ET_DYN not classified as dso")
	}

	if GetFileType([]byte("!<arch>\nxxxx")) != FileTypeAr {
		t.Error("archive magic not recognized")
	}
	if GetFileType([]byte{}) != FileTypeEmpty {
		t.Error("empty not recognized")
	}
	if GetFileType([]byte{1, 2, 3, 4}) != FileTypeUnknown {
		t.Error("garbage not unknown")
	}
}

func TestArchiveMembers(t *testing.T) {
	ar := []byte("!<arch>\n")

	hdr := func(name string, size int) []byte {
		h := make([]byte, 60)
		for i := range h {
			h[i] = ' '
		}
		copy(h, name)
		copy(h[48:], []byte{'0' + byte(size)})
		h[58] = '`'
		h[59] = '\n'
		return h
	}

	ar = append(ar, hdr("a.o/", 4)...)
	ar = append(ar, []byte("AAAA")...)
	ar = append(ar, hdr("b.o/", 3)...)
	ar = append(ar, []byte("BBB")...)

	members := ReadArchiveMembers(&File{Name: "lib.a", Contents: ar})
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}
	if members[0].Name != "a.o" || string(members[0].Contents) != "AAAA" {
		t.Errorf("member 0 = %q %q", members[0].Name, members[0].Contents)
	}
	if members[1].Name != "b.o" || string(members[1].Contents) != "BBB" {
		t.Errorf("member 1 = %q %q", members[1].Name, members[1].Contents)
	}
	if members[0].Parent == nil || members[0].Parent.Name != "lib.a" {
		t.Error("member missing parent back-reference")
	}
}
