//go:build linux

package buffer

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequential hints the kernel that the file will be read front to back.
// Failures are ignored; the advice is best-effort.
func adviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_WILLNEED)
}
