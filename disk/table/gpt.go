package table

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
)

// GPT GPT磁盘信息结构.
// 具体见: https://en.wikipedia.org/wiki/GUID_Partition_Table.
type GPT struct {
	Offset           int64                                     `struc:"skip"`      // GPT数据绝对起始偏移.
	BinProtectiveMBR []byte                                    `struc:"[512]byte"` // LBA0的保护性MBR数据.
	Header           GPTHeader                                 // LBA1的GPT头数据.
	PartitionEntries [GPTPartitionEntryCount]GPTPartitionEntry // LBA2-33的分区表项.
}

// NewGPT 自start偏移处解析主GPT结构(保护性MBR、表头与全部分区表项).
func NewGPT(disk io.ReadSeeker, start int64) (gpt GPT, err error) {
	if _, err = disk.Seek(start, io.SeekStart); err != nil {
		return gpt, err
	}
	gpt.Offset = start
	raw := make([]byte, (1+1+32)*GPTDefaultLBASize)
	if _, err = io.ReadFull(disk, raw); err != nil {
		return GPT{}, err
	}
	if err = struc.Unpack(bytes.NewReader(raw), &gpt); err != nil {
		return GPT{}, err
	}
	if !gpt.IsValid() {
		return GPT{}, errors.New("invalid gpt signature")
	}
	markEntryIndexes(gpt.PartitionEntries[:])
	return gpt, nil
}

func (gpt *GPT) IsValid() bool {
	return gpt.Header.SignatureString() == GPTSignature
}

// BackupGPT 磁盘末尾的备份分区表, 分区表项在前, 表头位于最后一个LBA.
type BackupGPT struct {
	Offset           int64                                     `struc:"skip"` // 备份数据绝对起始偏移.
	PartitionEntries [GPTPartitionEntryCount]GPTPartitionEntry // 备份分区表项, 倒数第33至第2个LBA.
	Header           GPTHeader                                 // 备份表头, 最后一个LBA.
}

// NewBackupGPT 从磁盘末尾解析备份分区表, diskSize为设备总字节数.
// 主GPT头损坏时仍可借备份表还原分区布局.
func NewBackupGPT(disk io.ReadSeeker, diskSize int64) (bgpt BackupGPT, err error) {
	ptSize := int64(32) * GPTDefaultLBASize
	bgpt.Offset = diskSize - 1*GPTDefaultLBASize - ptSize
	if bgpt.Offset < 0 {
		return BackupGPT{}, errors.Errorf("disk size %v leaves no room for a backup gpt", diskSize)
	}
	if _, err = disk.Seek(bgpt.Offset, io.SeekStart); err != nil {
		return BackupGPT{}, err
	}
	raw := make([]byte, ptSize+1*GPTDefaultLBASize)
	if _, err = io.ReadFull(disk, raw); err != nil {
		return BackupGPT{}, err
	}
	if err = struc.Unpack(bytes.NewReader(raw), &bgpt); err != nil {
		return BackupGPT{}, err
	}
	if bgpt.Header.SignatureString() != GPTSignature {
		return BackupGPT{}, errors.New("invalid gpt signature in backup header")
	}
	markEntryIndexes(bgpt.PartitionEntries[:])
	return bgpt, nil
}

// markEntryIndexes 为分区表项标记位置索引, 自1起.
func markEntryIndexes(entries []GPTPartitionEntry) {
	for i := range entries {
		entries[i].Index = i + 1
	}
}

// GPTHeader 位于GPT磁盘的LBA1数据(若为备份GPT, 则是最后一个LBA).
type GPTHeader struct {
	Signature                 []byte `struc:"[8]byte"`       // 0x00, 8, EFI签名("EFI PART").
	Revision                  uint32 `struc:"uint32,little"` // 0x08, 4, little, 版本号信息.
	HeaderSize                uint32 `struc:"uint32,little"` // 0x0C, 4, little, 主分区表头数据字节大小.
	HeaderCRC32               uint32 `struc:"uint32,little"` // 0x10, 4, little, 主分区表头数据0x00-0x5B之间数据的校验和.
	Reserved                  []byte `struc:"[4]byte"`       // 0x14, 4, 保留.
	CurrentLBA                int64  `struc:"int64,little"`  // 0x18, 8, little, 当前分区表头数据所处的LBA.
	BackupLBA                 int64  `struc:"int64,little"`  // 0x20, 8, little, 备份分区表头数据所处的LBA.
	FirstUnUsableLBAIndex     int64  `struc:"int64,little"`  // 0x28, 8, little, 首个未使用的LBA, 其值等于主分区表最后一个LBA + 1.
	LastUnUsableLBAIndex      int64  `struc:"int64,little"`  // 0x30, 8, little, 最后一个未使用的LBA, 其值等于备份分区表第一个LBA - 1.
	GUID                      []byte `struc:"[16]byte"`      // 0x38, 16, mixed endian, 磁盘GUID, 其展示形式经 GUIDToString 转换得到.
	StartingLBAForPartEntries int64  `struc:"int64,little"`  // 0x48, 8, little, 分区表项起始LBA(通常为2).
	NumberOfPartEntriesArray  int    `struc:"int32,little"`  // 0x50, 4, little, 分区表项数组的成员个数.
	PartEntrySize             int    `struc:"int32,little"`  // 0x54, 4, little, 一个分区表项数据的字节长度.
	PartEntriesArrayCRC32     uint32 `struc:"uint32,little"` // 0x58, 4, little, 分区表项数组数据的校验和.
	TailReversed              []byte `struc:"[420]byte"`     // 0x5C, 420, 分区表预留数据区.
}

func (gh *GPTHeader) GUIDInMixedEndian() string {
	return GUIDToString(gh.GUID)
}

func (gh *GPTHeader) SignatureString() string {
	return string(gh.Signature)
}

// GPTPartitionEntry GPT磁盘的一项分区表项数据.
type GPTPartitionEntry struct {
	Index         int      `struc:"skip"`              // 分区位置索引.
	PartTypeGUID  []byte   `struc:"[16]byte"`          // 0x00, 16, mixed endian, 分区类型GUID.
	UniqGUID      []byte   `struc:"[16]byte"`          // 0x10, 16, mixed endian, 唯一编码GUID.
	FirstLBAIndex int64    `struc:"int64,little"`      // 0x20, 8, little endian, 起始LBA(包含).
	LastLBAIndex  int64    `struc:"int64,little"`      // 0x28, 8, little endian, 结束LBA(包含).
	AttrFlags     []byte   `struc:"[8]byte"`           // 0x30, 8, 属性, 例如位60表示只读.
	PartitionName []uint16 `struc:"[36]uint16,little"` // 0x38, 72, 分区名称, 36个UTF-16LE代码单元.
}

func (gpe *GPTPartitionEntry) PartTypeGUIDInMixedEndian() string {
	return GUIDToString(gpe.PartTypeGUID)
}

// DecodedPartitionName 解码分区名称并剔除填充的NUL字符.
func (gpe *GPTPartitionEntry) DecodedPartitionName() string {
	s := string(utf16.Decode(gpe.PartitionName))
	return strings.ReplaceAll(s, "\u0000", "")
}

// IsEmpty 若是空分区, 则返回true.
func (gpe *GPTPartitionEntry) IsEmpty() bool {
	return gpe.PartTypeGUIDInMixedEndian() == BlankEmptyPart
}

// IsBootable 若是启动分区, 则返回true.
func (gpe *GPTPartitionEntry) IsBootable() bool {
	return funk.InStrings(
		[]string{
			BIOSBootPartition,
			BootPartition,
			BootPartition2,
			BootPartition3,
			GEFISystemPartition,
		},
		gpe.PartTypeGUIDInMixedEndian())
}

// PartTypeDesc 返回该分区用户可读的分区类型.
func (gpe *GPTPartitionEntry) PartTypeDesc() string {
	v, ok := GPTPartitionTypeDesc[gpe.PartTypeGUIDInMixedEndian()]
	if !ok {
		v = "UNKNOWN"
	}
	return v
}
