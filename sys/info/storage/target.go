package storage

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/kisun-bit/carvepkg/disk/table"
	"github.com/pkg/errors"
	"github.com/tidwall/sjson"
)

// TargetKind 扫描目标的类别.
type TargetKind string

const (
	KindPhysicalDrive TargetKind = "Physical Drive"
	KindFixed         TargetKind = "Fixed"
	KindRemovable     TargetKind = "Removable"
	KindNetwork       TargetKind = "Network"
	KindRAMDisk       TargetKind = "RAM Disk"
	KindUnknown       TargetKind = "Unknown"
)

// ErrTargetNotFound 给定路径未能匹配到任何扫描目标.
var ErrTargetNotFound = errors.New("scan target not found")

// ScanTarget 一个可被扫描的目标设备或卷.
//
// 恢复流程仅消费Path与SizeBytes, 其余字段服务于目标列举与路径解析.
type ScanTarget struct {
	Path           string                   `json:"path"`                      // 设备路径或带盘符的根路径.
	Label          string                   `json:"label"`                     // 卷标.
	Filesystem     string                   `json:"filesystem"`                // 文件系统类型, 整盘目标为Raw Disk.
	SizeBytes      uint64                   `json:"size_bytes"`                // 容量.
	FreeBytes      uint64                   `json:"free_bytes"`                // 剩余空间, 整盘目标为0.
	Kind           TargetKind               `json:"kind"`                      // 目标类别.
	MountPath      string                   `json:"mount_path,omitempty"`      // 挂载点, 仅已挂载的卷携带.
	Model          string                   `json:"model,omitempty"`           // 磁盘型号, 仅整盘目标携带.
	Serial         string                   `json:"serial,omitempty"`          // 磁盘序列号, 仅整盘目标携带.
	PartitionStyle string                   `json:"partition_style,omitempty"` // 分区表样式, GPT或MBR或RAW.
	Partitions     []table.PartitionSummary `json:"partitions,omitempty"`      // 分区布局摘要, 仅整盘目标携带.
	Readable       bool                     `json:"readable"`                  // 只读探测是否通过.
}

// ResolveTarget 将用户给定的路径解析为一个扫描目标.
//
// 匹配优先级: 路径精确匹配, 盘符前缀回退(Windows风格路径), 挂载点最长前缀回退.
// 未命中任何目标时返回ErrTargetNotFound.
func ResolveTarget(path string) (ScanTarget, error) {
	targets, err := ListTargets()
	if err != nil {
		return ScanTarget{}, err
	}
	if t, ok := matchTarget(path, targets); ok {
		return t, nil
	}
	return ScanTarget{}, errors.Wrapf(ErrTargetNotFound, "ResolveTarget(%s)", path)
}

func matchTarget(path string, targets []ScanTarget) (ScanTarget, bool) {
	for _, t := range targets {
		if strings.EqualFold(t.Path, path) {
			return t, true
		}
	}
	// 形如C:\Users\xx的路径回退至其盘符对应的逻辑卷.
	if len(path) >= 2 && path[1] == ':' {
		prefix := strings.ToUpper(path[:2])
		for _, t := range targets {
			if strings.HasPrefix(strings.ToUpper(t.Path), prefix) {
				return t, true
			}
		}
		return ScanTarget{}, false
	}
	// 其余路径回退至挂载点前缀最长的卷.
	var best ScanTarget
	bestLen := -1
	for _, t := range targets {
		mp := t.MountPath
		if mp == "" || !strings.HasPrefix(path, mp) {
			continue
		}
		if mp != "/" && len(path) > len(mp) && path[len(mp)] != '/' {
			continue
		}
		if len(mp) > bestLen {
			best, bestLen = t, len(mp)
		}
	}
	return best, bestLen >= 0
}

// ProbeReadable 以只读方式探测目标可读性, 不产生任何写入.
// 目录以能否列举判定, 设备与普通文件以能否读出一个块判定.
func ProbeReadable(path string) bool {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		_, err = os.ReadDir(path)
		return err == nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 512)
	if _, err = f.Read(buf); err != nil && err != io.EOF {
		return false
	}
	return true
}

// TargetsJSON 列举全部扫描目标并输出为带缩进的JSON数组.
func TargetsJSON() (string, error) {
	targets, err := ListTargets()
	if err != nil {
		return "", err
	}
	return encodeTargets(targets)
}

func encodeTargets(targets []ScanTarget) (string, error) {
	json_ := "[]"
	var err error
	for _, t := range targets {
		if json_, err = sjson.Set(json_, "-1", t); err != nil {
			return "", errors.Wrap(err, "encodeTargets set")
		}
	}
	var pretty bytes.Buffer
	if err = json.Indent(&pretty, []byte(json_), "", "\t"); err != nil {
		return "", errors.Wrap(err, "encodeTargets indent")
	}
	return pretty.String(), nil
}
