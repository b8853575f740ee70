package linker

const (
	ChunkKindHeader = iota
	ChunkKindOutputSection
	ChunkKindSynthetic
)

type Chunker interface {
	Kind() int
	GetShdr() *Shdr
	GetName() string
	GetShndx() int64
	SetShndx(a int64)
	StartsNewPtLoad() bool
	SetNewPtLoad(v bool)
	UpdateShdr(ctx *Context)
	Initialize(ctx *Context)
	CopyBuf(ctx *Context)
}

type Chunk struct {
	Name      string
	Shdr      Shdr
	Shndx     int64
	NewPtLoad bool
}

func NewChunk() Chunk {
	return Chunk{Shdr: Shdr{AddrAlign: 1}}
}

func (c *Chunk) Kind() int {
	return ChunkKindSynthetic
}

func (c *Chunk) GetShdr() *Shdr {
	return &c.Shdr
}

func (c *Chunk) GetName() string {
	return c.Name
}

func (c *Chunk) GetShndx() int64 {
	return c.Shndx
}

func (c *Chunk) SetShndx(a int64) {
	c.Shndx = a
}

func (c *Chunk) StartsNewPtLoad() bool {
	return c.NewPtLoad
}

func (c *Chunk) SetNewPtLoad(v bool) {
	c.NewPtLoad = v
}

func (c *Chunk) UpdateShdr(ctx *Context) {}

func (c *Chunk) Initialize(ctx *Context) {}

func (c *Chunk) CopyBuf(ctx *Context) {}
