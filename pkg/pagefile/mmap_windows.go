//go:build windows

package pagefile

import (
	"syscall"
	"unsafe"
)

func mmapFile(fd uintptr, offset int64, length int) ([]byte, error) {
	h, err := syscall.CreateFileMapping(syscall.Handle(fd), nil, syscall.PAGE_READWRITE,
		uint32(offset>>32), uint32(offset&0xffffffff), nil)
	if err != nil {
		return nil, err
	}
	defer syscall.CloseHandle(h)

	addr, err := syscall.MapViewOfFile(h, syscall.FILE_MAP_WRITE,
		uint32(offset>>32), uint32(offset&0xffffffff), uintptr(length))
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

func unmapFile(data []byte) error {
	return syscall.UnmapViewOfFile(uintptr(unsafe.Pointer(&data[0])))
}

func fallocateFile(fd uintptr, offset int64, length int64) error {
	size := offset + length
	lowOffset := int32(size & 0xffffffff)
	highOffset := int32(size >> 32)

	if _, err := syscall.SetFilePointer(syscall.Handle(fd), lowOffset, &highOffset, syscall.FILE_BEGIN); err != nil {
		return err
	}
	return syscall.SetEndOfFile(syscall.Handle(fd))
}
