package table

import (
	"bytes"
	"io"

	"github.com/kisun-bit/carvepkg/util/logger"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// MBR MBR磁盘信息结构.
// 具体见 https://en.wikipedia.org/wiki/Master_boot_record
// 中现代MBR结构节(`Structure of a modern standard MBR`)的描述.
type MBR struct {
	disk                     io.ReadSeeker                        `struc:"skip"`      // 设备读句柄, 解析EBR链时继续使用.
	Signature                []byte                               `struc:"skip"`      // 0x01B8处的32位磁盘签名, 按展示序排列.
	isEBR                    bool                                 `struc:"skip"`      // 若此MBR为EBR时, 此字段为true.
	Offset                   int64                                `struc:"skip"`      // MBR数据绝对起始偏移.
	BootLoader               []byte                               `struc:"[446]byte"` // 0x0000, 446.
	FullMainPartitionEntries [MBRPartitionEntryCount]MBRPartition // 0x01BE, 64, 所有多字节字段均为小端序.
	BootSignature            [2]byte                              `struc:"[2]byte"`   // 0x01FE, 2.
}

// EBR 扩展分区内的扩展引导记录.
// 具体见 https://en.wikipedia.org/wiki/Extended_boot_record.
// 每个逻辑分区均持有一个EBR, 且位于它所描述的逻辑分区之前:
// 第1表项的StartingLBA为数据区相对本EBR的扇区偏移,
// 第2表项的StartingLBA为下一EBR相对扩展分区起点的扇区偏移, 第3、4表项未使用.
type EBR = MBR

// NewMBR 自start偏移处解析一个MBR结构.
func NewMBR(disk io.ReadSeeker, start int64) (MBR, error) {
	return newBR(disk, start, false)
}

func newBR(disk io.ReadSeeker, start int64, isEBR bool) (mbr MBR, err error) {
	if _, err = disk.Seek(start, io.SeekStart); err != nil {
		return mbr, err
	}
	mbr.isEBR = isEBR
	mbr.Offset = start
	raw := make([]byte, MBRDefaultLBASize)
	if _, err = io.ReadFull(disk, raw); err != nil {
		return mbr, err
	}
	if err = struc.Unpack(bytes.NewReader(raw), &mbr); err != nil {
		return mbr, err
	}
	if !mbr.isValid() {
		return mbr, errors.New("invalid boot signature for mbr")
	}
	mbr.disk = disk
	mbr.markIndexToMainPart()
	mbr.markSignature()
	return mbr, nil
}

// newEBR 解析数据并获取一个EBR结构信息.
func newEBR(disk io.ReadSeeker, start int64) (EBR, error) {
	return newBR(disk, start, true)
}

// isValid 若为有效BR, 则返回true.
func (mbr *MBR) isValid() bool {
	return mbr.BootSignature[0] == MBRSignature510 && mbr.BootSignature[1] == MBRSignature511
}

// HasProtectiveMBR 若分区表中存在保护性MBR表项, 则磁盘实际为GPT布局.
func (mbr *MBR) HasProtectiveMBR() bool {
	for _, p := range mbr.FullMainPartitionEntries {
		if p.IsProtectiveMBR() {
			return true
		}
	}
	return false
}

// markIndexToMainPart 为主分区表项标记分区索引, 主分区索引自1起.
func (mbr *MBR) markIndexToMainPart() {
	for mpi := 1; mpi <= MBRPartitionEntryCount; mpi++ {
		mbr.FullMainPartitionEntries[mpi-1].Index = mpi
	}
}

// markSignature 自0x01B8处提取小端存储的磁盘签名并转为展示序.
func (mbr *MBR) markSignature() {
	signature := mbr.BootLoader[440 : 440+4]
	for i := 3; i >= 0; i-- {
		mbr.Signature = append(mbr.Signature, signature[i])
	}
}

// EBRs 沿扩展分区解析EBR链, 链中某一环不可读时截断返回已解析的部分.
func (mbr *MBR) EBRs() ([]EBR, error) {
	if mbr.isEBR {
		return nil, errors.New("EBR has no EBR list")
	}
	EBRs := make([]EBR, 0)
	for _, DPT := range mbr.FullMainPartitionEntries {
		if !DPT.IsExtend() {
			continue
		}
		EBROffset := DPT.StartingLBA * MBRDefaultLBASize
		for {
			EBR_, err := newEBR(mbr.disk, EBROffset)
			if err != nil {
				logger.Warnf("EBR can not be parsed at offset(%v): %v", EBROffset, err)
				break
			}
			EBRs = append(EBRs, EBR_)
			if !EBR_.FullMainPartitionEntries[MBREBRPartitionEntryIndex].IsExtend() {
				break
			}
			EBROffset = DPT.StartingLBA*MBRDefaultLBASize +
				EBR_.FullMainPartitionEntries[MBREBRPartitionEntryIndex].StartingLBA*MBRDefaultLBASize
		}
	}
	return EBRs, nil
}

// indexExtendMainPartition 获取主扩展分区的分区索引.
func (mbr *MBR) indexExtendMainPartition() int {
	if mbr.isEBR {
		return -1
	}
	for i, p := range mbr.FullMainPartitionEntries {
		if p.IsExtend() {
			return i
		}
	}
	return -1
}

// notEmptyAndExtendMainPartitions 非空分区及非扩展分区的主分区集合.
func (mbr *MBR) notEmptyAndExtendMainPartitions() []MBRPartition {
	vp := make([]MBRPartition, 0)
	if mbr.isEBR {
		return vp
	}
	for _, mp := range mbr.FullMainPartitionEntries {
		if !mp.IsEmpty() && !mp.IsExtend() {
			vp = append(vp, mp)
		}
	}
	return vp
}

// VolumePartitions 获取所有非空白、非扩展的逻辑/主分区.
func (mbr *MBR) VolumePartitions() ([]MBRPartition, error) {
	if mbr.isEBR {
		return nil, errors.New("EBR has no not-empty and not-extend partitions for MBR")
	}
	ps := mbr.notEmptyAndExtendMainPartitions()
	lps, err := mbr.LogicalPartitionEntries()
	if err != nil {
		return nil, err
	}
	ps = append(ps, lps...)
	return ps, nil
}

// LogicalPartitionEntries 获取所有逻辑分区表项, 逻辑分区索引自5起.
func (mbr *MBR) LogicalPartitionEntries() ([]MBRPartition, error) {
	if mbr.isEBR {
		return nil, errors.New("EBR has no logical partitions")
	}
	EBRs, err := mbr.EBRs()
	if err != nil {
		return nil, err
	}
	if len(EBRs) == 0 {
		return nil, nil
	}
	index := mbr.indexExtendMainPartition()
	if index == -1 {
		return nil, errors.New("failed to fetch the index of main extend partition")
	}
	lps := make([]MBRPartition, 0)
	lastEBRStartingLBA := mbr.FullMainPartitionEntries[index].StartingLBA
	for lpi, EBR_ := range EBRs {
		lpi++
		peData := EBR_.FullMainPartitionEntries[MBRLogicalPartitionEntryIndex].Copy()
		peEBR := EBR_.FullMainPartitionEntries[MBREBRPartitionEntryIndex].Copy()
		// 修正相对LBA偏移为绝对LBA偏移.
		peData.StartingLBA += lastEBRStartingLBA
		peData.IsLogical = true
		peData.Index = lpi + 4
		if !peData.IsEmpty() {
			lps = append(lps, *peData)
		}
		if peEBR.IsExtend() {
			lastEBRStartingLBA = peEBR.StartingLBA + mbr.FullMainPartitionEntries[index].StartingLBA
		}
	}
	return lps, nil
}

// MBRPartition MBR磁盘的一个分区表项结构.
type MBRPartition struct {
	// Index 仅代表分区在分区表中的索引位置.
	// 在Linux系统可代表应用层设备的尾部编号, 在Windows不能代表应用层设备的分区ID.
	Index            int              `struc:"skip"`
	IsLogical        bool             `struc:"skip"` // 若为逻辑分区, 此字段为true.
	BootIndicator    byte             // 0x00, 1.
	StartingHead     byte             // 0x01, 1.
	StartingSector   byte             // 0x02, 1, bit0-5表示起始扇区, bit6-7位表示起始柱面的高位.
	StartingCylinder byte             // 0x03, 1, (StartingSector-bit6-7 + StartingCylinder-bit0-8)表示起始柱面号.
	PartitionType    MBRPartitionType `struc:"byte"` // 0x04, 1. 见 https://en.wikipedia.org/wiki/Partition_type.
	EndingHead       byte             // 0x05, 1.
	EndingSector     byte             // 0x06, 1, bit0-5表示结束扇区, bit6-7位表示结束柱面的高位.
	EndingCylinder   byte             // 0x07, 1, (EndingSector-bit6-7 + EndingCylinder-bit0-8)表示结束柱面号.
	StartingLBA      int64            `struc:"uint32,little"` // 0x08, 4, 起始LBA(包含).
	TotalSectors     int64            `struc:"uint32,little"` // 0x0C, 4, 总扇区数.
}

// HumanReadablePartitionType 返回该分区用户可读的分区类型.
func (partition MBRPartition) HumanReadablePartitionType() string {
	v, ok := MBRPartitionTypeDesc[partition.PartitionType]
	if !ok {
		return "unknown"
	}
	return v
}

// IsEmpty 若为空分区, 则返回true.
func (partition MBRPartition) IsEmpty() bool {
	return partition.PartitionType == Empty
}

// IsBootable 若为可启动分区, 则返回true.
// 此返回值仅代表磁盘层的可引导标记, 不涉及操作系统层面的判定.
func (partition MBRPartition) IsBootable() bool {
	return partition.BootIndicator == MBRPartitionBootable
}

// IsExtend 若为扩展分区, 则返回true.
func (partition MBRPartition) IsExtend() bool {
	return bytes.IndexByte(MBRExtendPartTypes, partition.PartitionType) >= 0
}

// IsProtectiveMBR 若为GPT磁盘的保护性MBR分区, 则返回true.
func (partition MBRPartition) IsProtectiveMBR() bool {
	return partition.PartitionType == EFIGPTProtectiveMBR
}

// Copy 深拷贝当前 MBRPartition 对象.
func (partition MBRPartition) Copy() *MBRPartition {
	np := new(MBRPartition)
	np.Index = partition.Index
	np.IsLogical = partition.IsLogical
	np.BootIndicator = partition.BootIndicator
	np.StartingHead = partition.StartingHead
	np.StartingSector = partition.StartingSector
	np.StartingCylinder = partition.StartingCylinder
	np.PartitionType = partition.PartitionType
	np.EndingHead = partition.EndingHead
	np.EndingSector = partition.EndingSector
	np.EndingCylinder = partition.EndingCylinder
	np.StartingLBA = partition.StartingLBA
	np.TotalSectors = partition.TotalSectors
	return np
}
