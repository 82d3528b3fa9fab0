package ioctl

import (
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// QueryFileSize 查询设备或普通文件的字节大小.
// 块设备经BLKGETSIZE64取容量, 普通文件直接取stat大小.
func QueryFileSize(fileName string) (size uint64, err error) {
	var errno syscall.Errno
	info, err := os.Stat(fileName)
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeDevice == 0 {
		return uint64(info.Size()), nil
	}
	f, err := os.Open(fileName)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if runtime.GOARCH == "386" {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, f.Fd(), LinuxIOCTLGetBlockSize, uintptr(unsafe.Pointer(&size)))
		size <<= 9
	} else {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, f.Fd(), LinuxIOCTLGetBlockSize64, uintptr(unsafe.Pointer(&size)))
	}
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}
