package ioctl

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// BlockDevice /sys/class/block下的一块物理磁盘及其分区摘要.
type BlockDevice struct {
	Name         string           // 内核设备名, 如sda.
	Path         string           // /dev下的设备节点.
	DeviceNumber string           // major:minor.
	Model        string           // 磁盘型号, 可能为空.
	Removable    bool             // 可移动介质.
	ReadOnly     bool             // 只读设备.
	SizeBytes    uint64           // 容量.
	Mounted      bool             // 自身或任一分区处于挂载状态.
	MountPath    string           // 整盘文件系统的挂载点, 常为空.
	Filesystem   string           // 整盘文件系统类型, 常为空.
	Label        string           // 卷标.
	Partitions   []BlockPartition // 分区摘要.
}

// BlockPartition 磁盘分区摘要.
type BlockPartition struct {
	Name         string
	Path         string
	Index        uint64
	DeviceNumber string
	SizeBytes    uint64
	Mounted      bool
	MountPath    string
	Filesystem   string
	Label        string
	UUID         string
}

// deviceMount /proc/self/mountinfo中一条挂载记录的摘要.
type deviceMount struct {
	MountPath  string
	Filesystem string
	ReadOnly   bool
}

// readMountTable 解析/proc/self/mountinfo, 返回以major:minor为键的挂载表.
func readMountTable() (map[string]deviceMount, error) {
	data, err := os.ReadFile(ProcSelfMountInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "readMountTable ReadFile(%s)", ProcSelfMountInfo)
	}
	table := make(map[string]deviceMount)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		// line示例:
		// 情况一: `120 95 253:2 / /home rw,relatime shared:67 - ext4 /dev/mapper/openeuler_runstor-home rw`
		// 情况二: `25 21 252:17 / /data2 rw,relatime - ext4 /dev/vdb1 rw,barrier=1,data=ordered`
		groups := strings.Split(scanner.Text(), " - ")
		if len(groups) < 2 {
			continue
		}
		pre := strings.Fields(groups[0])
		suf := strings.Fields(groups[1])
		if len(pre) < 5 || len(suf) < 3 {
			continue
		}
		table[pre[2]] = deviceMount{
			MountPath:  pre[4],
			Filesystem: suf[0],
			ReadOnly:   strings.Contains(suf[2], "ro"),
		}
	}
	return table, nil
}

// ListBlockDevices 枚举/sys/class/block下的物理磁盘及其分区.
// 单项字段读取失败时保持零值继续, 仅目录级读取失败时返回错误.
func ListBlockDevices() ([]BlockDevice, error) {
	entries, err := os.ReadDir(SysClassBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "ListBlockDevices ReadDir(%s)", SysClassBlock)
	}
	mounts, err := readMountTable()
	if err != nil {
		return nil, err
	}

	var disks []BlockDevice
	for _, entry := range entries {
		name := entry.Name()
		entryPath := filepath.Join(SysClassBlock, name)
		// 仅物理设备持有device链接, 分区与虚拟设备在此被跳过.
		if !sysfsExists(filepath.Join(entryPath, "device")) {
			continue
		}
		devNumber, err := os.ReadFile(filepath.Join(entryPath, "dev"))
		if err != nil {
			// 多路径设备的从属节点无dev文件, 仅关心主要节点.
			continue
		}
		disk := BlockDevice{
			Name:         name,
			Path:         filepath.Join("/dev", name),
			DeviceNumber: strings.TrimSpace(string(devNumber)),
		}
		if model, e := os.ReadFile(filepath.Join(entryPath, "device", "model")); e == nil {
			disk.Model = strings.TrimSpace(string(model))
		}
		removable, _ := readUint(filepath.Join(entryPath, "removable"))
		disk.Removable = removable == 1
		ro, _ := readUint(filepath.Join(entryPath, "ro"))
		disk.ReadOnly = ro == 1
		sectors, _ := readUint(filepath.Join(entryPath, "size"))
		disk.SizeBytes = sectors * 512
		// 多数光驱无论介质实际大小均报告此容量.
		if strings.HasPrefix(name, "sr") && disk.Removable && disk.SizeBytes == 0x1fffff*512 {
			disk.SizeBytes = 0
		}
		disk.Label = matchDiskBy(DevDiskByLabel, name)
		if mp, ok := mounts[disk.DeviceNumber]; ok {
			disk.Mounted = true
			disk.MountPath = mp.MountPath
			disk.Filesystem = mp.Filesystem
			if !disk.ReadOnly {
				disk.ReadOnly = mp.ReadOnly
			}
		}

		for _, sub := range entries {
			subName := sub.Name()
			if subName == name || !strings.HasPrefix(subName, name) {
				continue
			}
			subPath := filepath.Join(SysClassBlock, subName)
			if !sysfsExists(filepath.Join(subPath, "partition")) {
				continue
			}
			part := BlockPartition{
				Name: subName,
				Path: filepath.Join("/dev", subName),
			}
			part.Index, _ = readUint(filepath.Join(subPath, "partition"))
			if dev, e := os.ReadFile(filepath.Join(subPath, "dev")); e == nil {
				part.DeviceNumber = strings.TrimSpace(string(dev))
			}
			sectors, _ = readUint(filepath.Join(subPath, "size"))
			part.SizeBytes = sectors * 512
			part.Label = matchDiskBy(DevDiskByLabel, subName)
			part.UUID = matchDiskBy(DevDiskByUUID, subName)
			if mp, ok := mounts[part.DeviceNumber]; ok {
				part.Mounted = true
				part.MountPath = mp.MountPath
				part.Filesystem = mp.Filesystem
				disk.Mounted = true
			}
			disk.Partitions = append(disk.Partitions, part)
		}
		disks = append(disks, disk)
	}
	return disks, nil
}

// matchDiskBy 在udev符号链接目录下反查指向设备名的链接名.
func matchDiskBy(base, deviceName string) string {
	links, err := os.ReadDir(base)
	if err != nil {
		return ""
	}
	for _, link := range links {
		target, e := filepath.EvalSymlinks(filepath.Join(base, link.Name()))
		if e != nil {
			continue
		}
		if target == filepath.Join("/dev", deviceName) {
			return link.Name()
		}
	}
	return ""
}

func sysfsExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func readUint(path string) (uint64, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(content)), 10, 64)
}
