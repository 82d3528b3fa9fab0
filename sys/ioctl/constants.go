package ioctl

// ########################################## Linux平台相关 ##########################################

const (
	DevDiskByUUID     = "/dev/disk/by-uuid"
	DevDiskByLabel    = "/dev/disk/by-label"
	SysClassBlock     = "/sys/class/block"
	ProcSelfMountInfo = "/proc/self/mountinfo"
)

const (
	LinuxIOCTLGetBlockSize   = 0x00001260
	LinuxIOCTLGetBlockSize64 = 0x80081272 // 获取设备大小.
)

// ########################################## Windows平台相关 ##########################################

// 关于Win32 IOCTL各个控制码使用及其意义, 请参考: https://learn.microsoft.com/en-us/windows/win32/api/winioctl
const (
	IOCTL_DISK_GET_LENGTH_INFO = 0x0007405C
)
