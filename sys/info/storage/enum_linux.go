package storage

import (
	"fmt"
	"strings"

	"github.com/kisun-bit/carvepkg/disk/table"
	"github.com/kisun-bit/carvepkg/sys/ioctl"
	"github.com/kisun-bit/carvepkg/util/basic"
	"github.com/kisun-bit/carvepkg/util/logger"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/tidwall/gjson"
)

// networkFilesystems 远端文件系统类型, 此类挂载以Network类别列举.
var networkFilesystems = map[string]struct{}{
	"nfs":        {},
	"nfs4":       {},
	"cifs":       {},
	"smbfs":      {},
	"sshfs":      {},
	"fuse.sshfs": {},
	"9p":         {},
	"afs":        {},
	"ncpfs":      {},
}

// ListTargets 枚举本机全部可扫描目标.
//
// 物理磁盘与其分区来自/sys/class/block, 远端挂载来自挂载表.
// 单个目标的信息增补失败时降级为基础字段, 不中断枚举.
func ListTargets() ([]ScanTarget, error) {
	devices, err := ioctl.ListBlockDevices()
	if err != nil {
		return nil, err
	}
	attrs := lsblkDiskAttrs()

	var targets []ScanTarget
	for _, dev := range devices {
		if dev.SizeBytes == 0 {
			// sysfs容量缺失时向内核直接查询.
			if size, e := ioctl.QueryFileSize(dev.Path); e == nil {
				dev.SizeBytes = size
			}
		}
		if dev.SizeBytes == 0 {
			// 无介质的光驱或空读卡器.
			continue
		}
		t := ScanTarget{
			Path:       dev.Path,
			Label:      dev.Label,
			Filesystem: "Raw Disk",
			SizeBytes:  dev.SizeBytes,
			Kind:       KindPhysicalDrive,
			Model:      dev.Model,
			Readable:   ProbeReadable(dev.Path),
		}
		if t.Label == "" {
			t.Label = fmt.Sprintf("Physical Disk %s", dev.Name)
		}
		if attr, ok := attrs[dev.Name]; ok {
			if t.Model == "" {
				t.Model = attr.Model
			}
			t.Serial = attr.Serial
		}
		// 无分区表直接承载文件系统的整盘, 即U盘常见的superfloppy布局.
		if dev.Filesystem != "" {
			t.Filesystem = dev.Filesystem
			t.MountPath = dev.MountPath
			if usage, e := disk.Usage(dev.MountPath); e == nil {
				t.FreeBytes = usage.Free
			}
		}
		if style, parts, e := table.Summaries(dev.Path); e == nil {
			t.PartitionStyle = string(style)
			t.Partitions = parts
		} else {
			logger.Debugf("ListTargets partition table of %s unavailable: %v", dev.Path, e)
		}
		targets = append(targets, t)

		volKind := KindFixed
		if dev.Removable {
			volKind = KindRemovable
		}
		for _, part := range dev.Partitions {
			vt := ScanTarget{
				Path:       part.Path,
				Label:      part.Label,
				Filesystem: part.Filesystem,
				SizeBytes:  part.SizeBytes,
				Kind:       volKind,
				MountPath:  part.MountPath,
				Readable:   ProbeReadable(part.Path),
			}
			if vt.Label == "" {
				vt.Label = "No Label"
			}
			if vt.Filesystem == "" {
				vt.Filesystem = "Unknown"
			}
			if part.Mounted {
				if usage, e := disk.Usage(part.MountPath); e == nil {
					vt.FreeBytes = usage.Free
				}
			}
			targets = append(targets, vt)
		}
	}
	return append(targets, networkTargets()...), nil
}

// networkTargets 列举远端文件系统挂载.
func networkTargets() []ScanTarget {
	parts, err := disk.Partitions(true)
	if err != nil {
		logger.Debugf("networkTargets partitions: %v", err)
		return nil
	}
	var targets []ScanTarget
	for _, p := range parts {
		if _, ok := networkFilesystems[p.Fstype]; !ok {
			continue
		}
		t := ScanTarget{
			Path:       p.Mountpoint,
			Label:      p.Device,
			Filesystem: p.Fstype,
			Kind:       KindNetwork,
			MountPath:  p.Mountpoint,
			Readable:   ProbeReadable(p.Mountpoint),
		}
		if usage, e := disk.Usage(p.Mountpoint); e == nil {
			t.SizeBytes = usage.Total
			t.FreeBytes = usage.Free
		}
		targets = append(targets, t)
	}
	return targets
}

// lsblkAttr lsblk报告的磁盘补充属性.
type lsblkAttr struct {
	Model  string
	Serial string
}

// lsblkDiskAttrs 经lsblk增补磁盘型号与序列号, lsblk不可用时返回空表.
func lsblkDiskAttrs() map[string]lsblkAttr {
	rc, out, errOut := basic.ExecV1("lsblk -J -d -o NAME,MODEL,SERIAL")
	if rc != 0 {
		logger.Debugf("lsblkDiskAttrs rc=%v err=%s", rc, errOut)
		return map[string]lsblkAttr{}
	}
	return parseLsblkDiskAttrs(out)
}

func parseLsblkDiskAttrs(out string) map[string]lsblkAttr {
	attrs := make(map[string]lsblkAttr)
	for _, dev := range gjson.Get(out, "blockdevices").Array() {
		name := dev.Get("name").String()
		if name == "" {
			continue
		}
		attrs[name] = lsblkAttr{
			Model:  strings.TrimSpace(dev.Get("model").String()),
			Serial: strings.TrimSpace(dev.Get("serial").String()),
		}
	}
	return attrs
}

// NormalizeRawPath 将扫描目标路径规整为可直接打开的原始设备路径, Linux下原样返回.
func NormalizeRawPath(path string) string {
	return path
}
