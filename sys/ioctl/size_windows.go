package ioctl

import (
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// GET_LENGTH_INFORMATION IOCTL_DISK_GET_LENGTH_INFO的输出结构.
type GET_LENGTH_INFORMATION struct {
	Length int64
}

// OpenDevice 以只读共享方式打开设备.
func OpenDevice(path string) (windows.Handle, error) {
	sPath, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	return windows.CreateFile(
		sPath,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
}

// QueryFileSize 查询设备或普通文件的字节大小.
// `\\.\`前缀的物理驱动器与逻辑卷经IOCTL_DISK_GET_LENGTH_INFO取容量,
// 其余路径直接取stat大小.
func QueryFileSize(fileName string) (size uint64, err error) {
	if !strings.HasPrefix(fileName, `\\.\`) {
		stat, err := os.Lstat(fileName)
		if err != nil {
			return 0, err
		}
		return uint64(stat.Size()), nil
	}
	handle, err := OpenDevice(fileName)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = windows.CloseHandle(handle)
	}()

	var lenSize uint32
	var info GET_LENGTH_INFORMATION
	err = windows.DeviceIoControl(
		handle,
		IOCTL_DISK_GET_LENGTH_INFO,
		nil,
		0,
		(*byte)(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
		&lenSize,
		nil)
	if err != nil {
		return 0, err
	}
	return uint64(info.Length), nil
}
