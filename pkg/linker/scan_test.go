package linker

import (
	"debug/elf"
	"testing"
)

func TestScanStaticGot(t *testing.T) {
	ctx := NewContext()
	ctx.Arg.IsStatic = true
	CreateSyntheticSections(ctx)

	f := newTestObj("a.o", 10000, true)
	got := addGlobal(ctx, f, "data", defined(uint8(elf.STB_GLOBAL)))
	got.File = f
	got.AddRels(HasGotRel)

	tp := addGlobal(ctx, f, "tlsvar", defined(uint8(elf.STB_GLOBAL)))
	tp.File = f
	tp.AddRels(HasGotTpRel)

	ctx.Objs = []*ObjectFile{f}
	ScanRels(ctx)

	if got.GotIdx != 0 {
		t.Errorf("got_idx = %d, want 0", got.GotIdx)
	}
	if tp.GotTpIdx != 1 {
		t.Errorf("gottp_idx = %d, want 1", tp.GotTpIdx)
	}
	if f.NumGot != 2 {
		t.Errorf("num_got = %d, want 2", f.NumGot)
	}
	if ctx.Got.Shdr.Size != 16 {
		t.Errorf("|.got| = %d, want num_got*8 = 16", ctx.Got.Shdr.Size)
	}
	if got.PltIdx != -1 {
		t.Error("non-IFUNC symbol got a PLT slot in static mode")
	}
}

func TestScanStaticIfunc(t *testing.T) {
	ctx := NewContext()
	ctx.Arg.IsStatic = true
	CreateSyntheticSections(ctx)

	f := newTestObj("a.o", 10000, true)
	sym := addGlobal(ctx, f, "resolver", Sym{
		Info:  uint8(elf.STB_GLOBAL)<<4 | uint8(STT_GNU_IFUNC),
		Shndx: uint16(elf.SHN_ABS),
	})
	sym.File = f
	sym.SymIdx = 1
	sym.AddRels(HasPltRel)

	ctx.Objs = []*ObjectFile{f}
	ScanRels(ctx)

	if sym.PltIdx != 0 || sym.GotPltIdx != 0 || sym.RelPltIdx != 0 {
		t.Errorf("ifunc slots = %d/%d/%d, want 0/0/0",
			sym.PltIdx, sym.GotPltIdx, sym.RelPltIdx)
	}
	if ctx.Plt.Shdr.Size != PltSize {
		t.Errorf("|.plt| = %d, want %d", ctx.Plt.Shdr.Size, PltSize)
	}
	if ctx.RelPlt.Shdr.Size != RelaSize {
		t.Errorf("|.rela.plt| = %d, want num_relplt*%d = %d",
			ctx.RelPlt.Shdr.Size, RelaSize, RelaSize)
	}
}

func TestScanDynamic(t *testing.T) {
	ctx := NewContext()
	CreateSyntheticSections(ctx)

	f := newTestObj("a.o", 10000, true)

	viaGot := addGlobal(ctx, f, "imported_data", defined(uint8(elf.STB_GLOBAL)))
	viaGot.File = f
	viaGot.SymIdx = 1
	viaGot.AddRels(HasGotRel)

	viaPlt := addGlobal(ctx, f, "imported_func", defined(uint8(elf.STB_GLOBAL)))
	viaPlt.File = f
	viaPlt.SymIdx = 2
	viaPlt.AddRels(HasPltRel)

	both := addGlobal(ctx, f, "func_and_addr", defined(uint8(elf.STB_GLOBAL)))
	both.File = f
	both.SymIdx = 3
	both.AddRels(HasGotRel | HasPltRel)

	gd := addGlobal(ctx, f, "tls_gd", defined(uint8(elf.STB_GLOBAL)))
	gd.File = f
	gd.SymIdx = 4
	gd.AddRels(HasTlsGdRel)

	ctx.Objs = []*ObjectFile{f}
	ScanRels(ctx)

	if viaGot.GotIdx == -1 || viaGot.DynsymIdx == -1 {
		t.Error("GOT demand did not produce a got slot + dynsym")
	}
	if viaPlt.PltIdx == -1 || viaPlt.GotPltIdx == -1 || viaPlt.RelPltIdx == -1 {
		t.Error("PLT demand did not produce plt/gotplt/relplt slots")
	}
	if both.GotIdx == -1 || both.PltIdx == -1 {
		t.Error("combined demand missing slots")
	}
	if both.GotPltIdx != -1 {
		t.Error("symbol with a .got slot must not also get a .got.plt slot")
	}
	if gd.GotGdIdx == -1 {
		t.Error("TLSGD demand missing .got pair")
	}

	// TLSGD takes two .got slots and two .rela.dyn slots.
	wantGot := int32(1) + 1 + 2 // viaGot + both + gd pair
	if f.NumGot != wantGot {
		t.Errorf("num_got = %d, want %d", f.NumGot, wantGot)
	}
	wantRelDyn := int32(1) + 1 + 2
	if f.NumRelDyn != wantRelDyn {
		t.Errorf("num_reldyn = %d, want %d", f.NumRelDyn, wantRelDyn)
	}

	if ctx.Got.Shdr.Size != uint64(f.NumGot)*GotSize {
		t.Error("|.got| != num_got * 8")
	}
	if ctx.RelDyn.Shdr.Size != uint64(f.NumRelDyn)*RelaSize {
		t.Error("|.rela.dyn| != num_reldyn * sizeof(Rela)")
	}

	// The file's dynsym batch is appended in allocation order.
	if len(f.Dynsyms) != 4 {
		t.Fatalf("dynsym batch size = %d, want 4", len(f.Dynsyms))
	}
	for i, sym := range f.Dynsyms {
		if sym.DynsymIdx != int32(i)+1 {
			t.Errorf("dynsym %d has idx %d", i, sym.DynsymIdx)
		}
		if sym.DynstrOffset == 0 {
			t.Errorf("dynsym %s missing .dynstr name", sym.Name)
		}
	}
}

func TestRelsBitsetUnion(t *testing.T) {
	sym := NewSymbol("x")
	done := make(chan struct{})
	for _, f := range []uint32{HasGotRel, HasPltRel, HasGotTpRel} {
		go func(flag uint32) {
			for i := 0; i < 100; i++ {
				sym.AddRels(flag)
			}
			done <- struct{}{}
		}(f)
	}
	for i := 0; i < 3; i++ {
		<-done
	}

	want := HasGotRel | HasPltRel | HasGotTpRel
	if sym.Rels() != want {
		t.Errorf("rels = %#x, want %#x", sym.Rels(), want)
	}
}
