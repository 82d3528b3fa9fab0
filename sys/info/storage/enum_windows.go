package storage

import (
	"fmt"
	"strings"

	"github.com/kisun-bit/carvepkg/disk/table"
	"github.com/kisun-bit/carvepkg/util/logger"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/yusufpapurcu/wmi"
)

// Win32_LogicalDisk的DriveType取值.
const (
	driveTypeRemovable = 2
	driveTypeFixed     = 3
	driveTypeNetwork   = 4
	driveTypeCDROM     = 5
	driveTypeRAMDisk   = 6
)

var driveTypeKinds = map[uint32]TargetKind{
	driveTypeRemovable: KindRemovable,
	driveTypeFixed:     KindFixed,
	driveTypeNetwork:   KindNetwork,
	driveTypeRAMDisk:   KindRAMDisk,
}

// win32LogicalDisk Win32_LogicalDisk查询结果, 可空列以指针承载.
type win32LogicalDisk struct {
	DeviceID   string
	VolumeName *string
	FileSystem *string
	Size       *uint64
	FreeSpace  *uint64
	DriveType  uint32
}

// win32DiskDrive Win32_DiskDrive查询结果.
type win32DiskDrive struct {
	DeviceID     string
	Index        uint32
	Model        *string
	SerialNumber *string
	Size         *uint64
}

// ListTargets 枚举本机全部可扫描目标, 逻辑卷在前, 物理磁盘在后.
//
// 光驱不参与列举. 单个目标的信息增补失败时降级为基础字段, 不中断枚举.
func ListTargets() ([]ScanTarget, error) {
	var logical []win32LogicalDisk
	q := "SELECT DeviceID, VolumeName, FileSystem, Size, FreeSpace, DriveType FROM Win32_LogicalDisk"
	if err := wmi.Query(q, &logical); err != nil {
		return nil, errors.Wrap(err, "ListTargets query Win32_LogicalDisk")
	}

	var targets []ScanTarget
	for _, ld := range logical {
		if ld.DriveType == driveTypeCDROM {
			continue
		}
		root := ld.DeviceID + `\`
		t := ScanTarget{
			Path:       root,
			Label:      strValue(ld.VolumeName, "No Label"),
			Filesystem: strValue(ld.FileSystem, "Unknown"),
			SizeBytes:  uintValue(ld.Size),
			FreeBytes:  uintValue(ld.FreeSpace),
			Kind:       KindUnknown,
			MountPath:  root,
			Readable:   ProbeReadable(root),
		}
		if kind, ok := driveTypeKinds[ld.DriveType]; ok {
			t.Kind = kind
		}
		if t.SizeBytes == 0 {
			if usage, err := disk.Usage(root); err == nil {
				t.SizeBytes = usage.Total
				t.FreeBytes = usage.Free
			}
		}
		targets = append(targets, t)
	}

	var drives []win32DiskDrive
	q = "SELECT DeviceID, Index, Model, SerialNumber, Size FROM Win32_DiskDrive"
	if err := wmi.Query(q, &drives); err != nil {
		logger.Warnf("ListTargets query Win32_DiskDrive: %v", err)
		return targets, nil
	}
	for _, dd := range drives {
		path := fmt.Sprintf(`\\.\PhysicalDrive%d`, dd.Index)
		t := ScanTarget{
			Path:       path,
			Label:      fmt.Sprintf("Physical Disk %d", dd.Index),
			Filesystem: "Raw Disk",
			SizeBytes:  uintValue(dd.Size),
			Kind:       KindPhysicalDrive,
			Model:      strings.TrimSpace(strValue(dd.Model, "")),
			Serial:     strings.TrimSpace(strValue(dd.SerialNumber, "")),
			Readable:   ProbeReadable(path),
		}
		if style, parts, err := table.Summaries(path); err == nil {
			t.PartitionStyle = string(style)
			t.Partitions = parts
		} else {
			logger.Debugf("ListTargets partition table of %s unavailable: %v", path, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func strValue(p *string, fallback string) string {
	if p == nil || *p == "" {
		return fallback
	}
	return *p
}

func uintValue(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

// NormalizeRawPath 将带盘符的逻辑卷路径转换为原始卷设备路径, 如`C:\`转换为`\\.\C:`.
// `\\.\`前缀的原始路径与其余路径原样返回.
func NormalizeRawPath(path string) string {
	if strings.HasPrefix(path, `\\.\`) {
		return path
	}
	trimmed := strings.TrimRight(path, `\`)
	if len(trimmed) == 2 && trimmed[1] == ':' {
		return `\\.\` + strings.ToUpper(trimmed)
	}
	return path
}
