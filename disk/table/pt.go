// Package table 解析磁盘的MBR/GPT分区表, 为扫描目标提供分区布局摘要.
package table

import (
	"fmt"
	"os"

	"github.com/kisun-bit/carvepkg/sys/ioctl"
	"github.com/pkg/errors"
)

// DiskType 分区表类型.
type DiskType string

const (
	DTypeGPT DiskType = "GPT"
	DTypeMBR DiskType = "MBR"
	DTypeRAW DiskType = "RAW"
)

// GUIDToString 将原始GUID转换为字符串.
// 注意: byteGuid 的长度只能等于16, 否则将返回空串.
func GUIDToString(byteGuid []byte) string {
	byteToChars := func(b byte) (res []byte) {
		res = make([]byte, 0, 2)
		for i := 1; i >= 0; i-- {
			switch b >> uint(4*i) & 0x0F {
			case 0:
				res = append(res, '0')
			case 1:
				res = append(res, '1')
			case 2:
				res = append(res, '2')
			case 3:
				res = append(res, '3')
			case 4:
				res = append(res, '4')
			case 5:
				res = append(res, '5')
			case 6:
				res = append(res, '6')
			case 7:
				res = append(res, '7')
			case 8:
				res = append(res, '8')
			case 9:
				res = append(res, '9')
			case 10:
				res = append(res, 'A')
			case 11:
				res = append(res, 'B')
			case 12:
				res = append(res, 'C')
			case 13:
				res = append(res, 'D')
			case 14:
				res = append(res, 'E')
			case 15:
				res = append(res, 'F')
			}
		}
		return
	}
	if len(byteGuid) != 16 {
		return ""
	}
	s := make([]byte, 0, 36)
	byteOrder := [...]int{3, 2, 1, 0, -1, 5, 4, -1, 7, 6, -1, 8, 9, -1, 10, 11, 12, 13, 14, 15}
	for _, i := range byteOrder {
		if i == -1 {
			s = append(s, '-')
		} else {
			s = append(s, byteToChars(byteGuid[i])...)
		}
	}
	return string(s)
}

// GetDiskType 获取设备的分区表类型.
// 如何判定为GPT磁盘? 分区表中存在保护性MBR表项.
// 引导记录无效或不完整的设备一律视为RAW.
func GetDiskType(diskPath string) (DiskType, error) {
	f, err := os.Open(diskPath)
	if err != nil {
		return DTypeRAW, errors.Wrapf(err, "GetDiskType Open(%s)", diskPath)
	}
	defer f.Close()
	mbr, err := NewMBR(f, 0)
	if err != nil {
		return DTypeRAW, nil
	}
	if mbr.HasProtectiveMBR() {
		return DTypeGPT, nil
	}
	return DTypeMBR, nil
}

// PartitionSummary 一个卷分区的布局摘要.
type PartitionSummary struct {
	Index    int    // 分区表项序号, MBR逻辑分区自5起.
	Offset   int64  // 分区起始字节偏移.
	Size     int64  // 分区字节大小.
	Type     string // MBR为两位十六进制类型码, GPT为分区类型GUID.
	TypeDesc string // 用户可读的分区类型.
	Name     string // 分区名称, 仅GPT分区携带.
	Boot     bool   // 可引导标记.
	Logical  bool   // 若为MBR的逻辑分区, 此字段为true.
}

// Summaries 解析设备的分区表并返回各卷分区的摘要.
// 分区表类型总是返回; 表结构损坏时摘要可能为空, 但不视为错误.
// 主GPT头损坏时回退到磁盘末尾的备份分区表.
func Summaries(diskPath string) (DiskType, []PartitionSummary, error) {
	f, err := os.Open(diskPath)
	if err != nil {
		return DTypeRAW, nil, errors.Wrapf(err, "Summaries Open(%s)", diskPath)
	}
	defer f.Close()

	mbr, err := NewMBR(f, 0)
	if err != nil {
		return DTypeRAW, nil, nil
	}
	if !mbr.HasProtectiveMBR() {
		parts, err := mbr.VolumePartitions()
		if err != nil {
			return DTypeMBR, nil, nil
		}
		return DTypeMBR, mbrSummaries(parts), nil
	}
	gpt, err := NewGPT(f, 0)
	if err == nil {
		return DTypeGPT, gptSummaries(gpt.PartitionEntries[:]), nil
	}
	size, err := ioctl.QueryFileSize(diskPath)
	if err != nil {
		return DTypeGPT, nil, nil
	}
	bgpt, err := NewBackupGPT(f, int64(size))
	if err != nil {
		return DTypeGPT, nil, nil
	}
	return DTypeGPT, gptSummaries(bgpt.PartitionEntries[:]), nil
}

func mbrSummaries(parts []MBRPartition) []PartitionSummary {
	ss := make([]PartitionSummary, 0, len(parts))
	for _, p := range parts {
		ss = append(ss, PartitionSummary{
			Index:    p.Index,
			Offset:   p.StartingLBA * MBRDefaultLBASize,
			Size:     p.TotalSectors * MBRDefaultLBASize,
			Type:     fmt.Sprintf("%02x", p.PartitionType),
			TypeDesc: p.HumanReadablePartitionType(),
			Boot:     p.IsBootable(),
			Logical:  p.IsLogical,
		})
	}
	return ss
}

func gptSummaries(entries []GPTPartitionEntry) []PartitionSummary {
	ss := make([]PartitionSummary, 0)
	for _, p := range entries {
		if p.IsEmpty() {
			continue
		}
		ss = append(ss, PartitionSummary{
			Index:    p.Index,
			Offset:   p.FirstLBAIndex * GPTDefaultLBASize,
			Size:     (p.LastLBAIndex - p.FirstLBAIndex + 1) * GPTDefaultLBASize,
			Type:     p.PartTypeGUIDInMixedEndian(),
			TypeDesc: p.PartTypeDesc(),
			Name:     p.DecodedPartitionName(),
			Boot:     p.IsBootable(),
		})
	}
	return ss
}
