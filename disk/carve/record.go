package carve

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kisun-bit/carvepkg/disk/carve/signature"
)

// Status 恢复文件的状态标识, 其字面量会原样出现在报告中.
type Status string

const (
	StatusRecovered     Status = "Recovered"             // 雕复产出, 尚未验证.
	StatusCopied        Status = "Copied"                // 已有文件拷贝模式产出.
	StatusMissing       Status = "Missing"               // 验证时文件已不存在.
	StatusOK            Status = "OK"                    // 验证通过.
	StatusCorrupted     Status = "Corrupted"             // 验证失败, 已移入隔离目录.
	StatusCorruptedKept Status = "Corrupted (not moved)" // 验证失败且隔离移动失败, 文件保留原位.
)

func (s Status) String() string {
	return string(s)
}

// Corrupted 该状态是否属于损坏类(含移动失败的变体).
func (s Status) Corrupted() bool {
	return strings.Contains(string(s), string(StatusCorrupted))
}

// CarveRecord 单个产出文件的记录.
// 由雕复引擎或拷贝器创建, 验证器可能更新Path/Status并补充Hash.
type CarveRecord struct {
	Path         string         // 产出文件的当前路径.
	OriginalPath string         // 源文件路径, 仅拷贝模式填充.
	Size         int64          // 字节数.
	Type         signature.Kind // 图像类型.
	Status       Status
	Hash         string // SHA-256十六进制摘要, 验证阶段填充.
}

// FileName 产出文件的基础名.
func (r *CarveRecord) FileName() string {
	return filepath.Base(r.Path)
}

func (r *CarveRecord) Repr() string {
	return fmt.Sprintf("CarveRecord(path=%s,type=%s,size=%v,status=%s)",
		r.Path, r.Type, r.Size, r.Status)
}
