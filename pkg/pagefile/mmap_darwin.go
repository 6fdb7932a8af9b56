//go:build darwin

package pagefile

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func mmapFile(fd uintptr, offset int64, length int) ([]byte, error) {
	return syscall.Mmap(int(fd), offset, length, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
}

func unmapFile(data []byte) error {
	return syscall.Munmap(data)
}

// fallocateFile has no Fallocate syscall on Darwin; Ftruncate extends the
// file to the target size, which is sufficient since the following mmap
// call only needs the range to be backed, not physically allocated.
func fallocateFile(fd uintptr, offset int64, length int64) error {
	return unix.Ftruncate(int(fd), offset+length)
}
