package linker

import (
	"golang.org/x/sys/unix"

	"github.com/ksco/chibild/pkg/utils"
)

// File is a memory-mapped input. Archive members alias their parent's
// mapping and carry a back-pointer to it.
type File struct {
	Name     string
	Contents []byte

	Parent *File
}

func MustNewFile(filename string) *File {
	fd, err := unix.Open(filename, unix.O_RDONLY, 0)
	if err != nil {
		utils.Fatal("cannot open " + filename)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		utils.Fatal(filename + ": stat failed")
	}

	if st.Size == 0 {
		return &File{Name: filename}
	}

	contents, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		utils.Fatal(filename + ": mmap failed: " + err.Error())
	}

	return &File{
		Name:     filename,
		Contents: contents,
	}
}
