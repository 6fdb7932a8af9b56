//go:build linux || freebsd || openbsd || netbsd || solaris

package pagefile

import "syscall"

// mmapFile maps length bytes of fd starting at offset as a shared,
// read-write mapping.
func mmapFile(fd uintptr, offset int64, length int) ([]byte, error) {
	return syscall.Mmap(int(fd), offset, length, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
}

func unmapFile(data []byte) error {
	return syscall.Munmap(data)
}

// fallocateFile preallocates [offset, offset+length) so the subsequent
// mmap of that range never faults past EOF.
func fallocateFile(fd uintptr, offset int64, length int64) error {
	return syscall.Fallocate(int(fd), 0, offset, length)
}
