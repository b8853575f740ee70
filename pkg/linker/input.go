package linker

import "github.com/ksco/chibild/pkg/utils"

func ReadInputFiles(ctx *Context, args []string) {
	for _, arg := range args {
		ReadFile(ctx, MustNewFile(arg))
	}

	if len(ctx.Objs) == 0 {
		utils.Fatal("no input files")
	}
}

func ReadFile(ctx *Context, file *File) {
	if ctx.Visited.Contains(file.Name) {
		return
	}

	ft := GetFileType(file.Contents)
	switch ft {
	case FileTypeObject:
		ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, file, false, false))
	case FileTypeDso:
		ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, file, false, true))
	case FileTypeAr:
		for _, child := range ReadArchiveMembers(file) {
			switch GetFileType(child.Contents) {
			case FileTypeObject:
				ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, child, true, false))
			default:
				utils.Fatal(child.Name + ": unknown file type")
			}
		}
		ctx.Visited.Add(file.Name)
	default:
		utils.Fatal(file.Name + ": unknown file type")
	}
}

func CreateObjectFile(ctx *Context, file *File, inLib bool, isDso bool) *ObjectFile {
	CheckFileCompatibility(ctx, file)

	obj := NewObjectFile(file, inLib && !isDso)
	obj.IsDso = isDso
	if isDso {
		obj.IsAlive.Store(true)
	}
	return obj
}

// AssignPriorities numbers files for resolver precedence: non-archive
// objects in command-line order, then archive members, then shared
// objects. Uniqueness is what makes every tie-break deterministic.
func AssignPriorities(ctx *Context) {
	for _, file := range ctx.Objs {
		if !file.IsInArchive && !file.IsDso {
			file.Priority = ctx.FilePriority
			ctx.FilePriority++
		}
	}
	for _, file := range ctx.Objs {
		if file.IsInArchive {
			file.Priority = ctx.FilePriority
			ctx.FilePriority++
		}
	}
	for _, file := range ctx.Objs {
		if file.IsDso {
			file.Priority = ctx.FilePriority
			ctx.FilePriority++
		}
	}
}

// ParseInputFiles parses every input in parallel. The shared state is
// the interning of output sections, merged sections, symbols and COMDAT
// groups, each internally synchronized.
func ParseInputFiles(ctx *Context) {
	utils.ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		file.Parse(ctx)
	})
}
