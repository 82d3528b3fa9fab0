package carve

import (
	"fmt"
	"strings"

	"github.com/kisun-bit/carvepkg/disk/carve/signature"
)

// ProgressEvent 进度事件. Percent在单次扫描内单调不减, Message可为空.
type ProgressEvent struct {
	Percent int
	Message string
}

func (e ProgressEvent) Repr() string {
	return fmt.Sprintf("ProgressEvent(percent=%v,message=%s)", e.Percent, e.Message)
}

// ProgressPolicy 进度估算策略.
// 扫描目标的真实总量通常不可知, 进度值只是估计, 此处各参数约束其对外表现.
type ProgressPolicy struct {
	ScanWeight             float64 // 扫描阶段占总进度的权重.
	MaxPercentDuringScan   int     // 扫描循环期间可发布的进度上限.
	ScanCompletePercent    int     // 扫描循环结束后发布的固定进度.
	FallbackTotalBlocks    int64   // 目标大小不可知时采用的兜底总块数.
	FileEstimateSeedBlocks int64   // 单文件大小估计的初始块数.
}

// DefaultProgressPolicy 默认进度策略.
func DefaultProgressPolicy() ProgressPolicy {
	return ProgressPolicy{
		ScanWeight:             0.90,
		MaxPercentDuringScan:   95,
		ScanCompletePercent:    98,
		FallbackTotalBlocks:    1000000,
		FileEstimateSeedBlocks: 1000,
	}
}

// 空闲扫描阶段每读取多少块才尝试发布一次进度.
const idleEmitEveryBlocks = 1000

// progressTracker 单次扫描内的进度状态, 不跨扫描复用.
type progressTracker struct {
	policy          ProgressPolicy
	totalBlocks     int64
	processedBlocks int64
	fileBlocks      int64 // 当前恢复中文件已读块数.
	fileEstimate    int64 // 当前恢复中文件的估算块数.
	lastEmitted     int
}

func newProgressTracker(policy ProgressPolicy, blockSize, declaredSize int64) *progressTracker {
	t := &progressTracker{policy: policy}
	if blockSize > 0 && declaredSize > 0 {
		t.totalBlocks = declaredSize / blockSize
	}
	if t.totalBlocks <= 0 {
		t.totalBlocks = policy.FallbackTotalBlocks
	}
	t.fileEstimate = policy.FileEstimateSeedBlocks
	return t
}

// current 最近一次发布的进度值.
func (t *progressTracker) current() int {
	return t.lastEmitted
}

// advanceIdle 空闲扫描中前进一个块, 进度有严格增长时返回待发布事件.
func (t *progressTracker) advanceIdle() (ProgressEvent, bool) {
	t.processedBlocks++
	if t.processedBlocks%idleEmitEveryBlocks != 0 {
		return ProgressEvent{}, false
	}
	pct := int(float64(t.processedBlocks) / float64(t.totalBlocks) * t.policy.ScanWeight * 100)
	if pct > t.policy.MaxPercentDuringScan {
		pct = t.policy.MaxPercentDuringScan
	}
	if pct <= t.lastEmitted {
		return ProgressEvent{}, false
	}
	t.lastEmitted = pct
	return ProgressEvent{Percent: pct}, true
}

// beginFile 进入单文件恢复, 重置单文件的大小估计.
func (t *progressTracker) beginFile() {
	t.fileBlocks = 0
	t.fileEstimate = t.policy.FileEstimateSeedBlocks
}

// advanceInFile 文件恢复中前进一个块.
// 单文件大小不可知, 估计值随已读数据动态翻倍, 文件内百分比仅用于消息文本.
func (t *progressTracker) advanceInFile(kind signature.Kind) (ProgressEvent, bool) {
	t.processedBlocks++
	t.fileBlocks++

	scanPct := int(float64(t.processedBlocks) / float64(t.totalBlocks) * 100)
	if scanPct > 100 {
		scanPct = 100
	}
	if t.fileBlocks > t.fileEstimate/2 {
		t.fileEstimate = t.fileBlocks * 2
	}
	filePct := int(float64(t.fileBlocks) / float64(t.fileEstimate) * 100)
	if filePct > 100 {
		filePct = 100
	}

	pct := int(float64(scanPct) * t.policy.ScanWeight)
	if pct < t.lastEmitted {
		pct = t.lastEmitted
	}
	if pct > t.policy.MaxPercentDuringScan {
		pct = t.policy.MaxPercentDuringScan
	}
	if pct <= t.lastEmitted {
		return ProgressEvent{}, false
	}
	t.lastEmitted = pct
	return ProgressEvent{
		Percent: pct,
		Message: fmt.Sprintf("Recovering %s file (%d%% complete)", strings.ToUpper(kind.String()), filePct),
	}, true
}

// messageAt 以当前进度值携带一条消息, 不推进进度.
func (t *progressTracker) messageAt(format string, args ...interface{}) ProgressEvent {
	return ProgressEvent{Percent: t.lastEmitted, Message: fmt.Sprintf(format, args...)}
}

// complete 扫描循环结束, 进度提升到ScanCompletePercent.
func (t *progressTracker) complete(found int) ProgressEvent {
	if t.policy.ScanCompletePercent > t.lastEmitted {
		t.lastEmitted = t.policy.ScanCompletePercent
	}
	return ProgressEvent{
		Percent: t.lastEmitted,
		Message: fmt.Sprintf("Scan complete. Found %d files.", found),
	}
}
