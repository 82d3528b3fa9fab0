// Package recovery 将目标解析, 签名雕复, 完整性验证与报告生成编排为一次扫描会话.
package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/kisun-bit/carvepkg/disk/carve"
	"github.com/kisun-bit/carvepkg/disk/carve/signature"
	"github.com/kisun-bit/carvepkg/disk/extract"
	"github.com/kisun-bit/carvepkg/sys/info/storage"
	"github.com/kisun-bit/carvepkg/util/basic"
	"github.com/kisun-bit/carvepkg/util/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Mode 扫描模式, 其字面量即报告中的Scan Type.
type Mode string

const (
	ModeRawRecovery    Mode = "Raw Recovery"
	ModeExistingImages Mode = "Existing Images"
)

const (
	// DefaultReportName 默认报告文件名, 生成于输出目录之下.
	DefaultReportName = "recovery_report.html"
	// QuarantineDirName 损坏文件的隔离目录名, 位于输出目录之下.
	QuarantineDirName = "corrupted"
)

// ReportFunc 报告生成函数, 返回实际写出的报告路径.
// 与report.Generate签名一致, 以函数值注入可使会话不依赖具体报告实现.
type ReportFunc func(records []carve.CarveRecord, reportPath, scanType, targetPath string) (string, error)

// Result 一次扫描会话的最终产出.
type Result struct {
	Records    []carve.CarveRecord
	OutputDir  string
	ReportPath string // 未配置报告函数或报告生成失败时为空.
}

// ScanSession 一次性的扫描会话.
//
// 会话封装单个目标上的完整恢复流程: 原始恢复模式执行雕复与验证,
// 已有文件模式执行目录树拷贝; 两种模式均可在末尾生成报告.
// 进度事件经Events通道对外发布, 通道在Run结束时关闭.
type ScanSession struct {
	target      storage.ScanTarget
	outputDir   string
	mode        Mode
	reportFn    ReportFunc
	catalog     *signature.Catalog
	policy      *carve.ProgressPolicy
	blockSize   int
	declared    int64
	dedupe      bool
	logger      *zap.SugaredLogger
	events      chan carve.ProgressEvent
	lastPercent int
	started     atomic.Bool
}

// SessionOption ScanSession构造选项.
type SessionOption func(*ScanSession)

// WithReportFunc 配置报告生成函数, 未配置时跳过报告环节.
func WithReportFunc(fn ReportFunc) SessionOption {
	return func(s *ScanSession) { s.reportFn = fn }
}

// WithCatalog 指定雕复使用的签名目录.
func WithCatalog(catalog *signature.Catalog) SessionOption {
	return func(s *ScanSession) { s.catalog = catalog }
}

// WithPolicy 指定进度估算策略.
func WithPolicy(policy carve.ProgressPolicy) SessionOption {
	return func(s *ScanSession) { s.policy = &policy }
}

// WithBlockSize 指定扫描块大小.
func WithBlockSize(blockSize int) SessionOption {
	return func(s *ScanSession) { s.blockSize = blockSize }
}

// WithDeclaredSize 声明目标容量, 覆盖目标自带的SizeBytes.
func WithDeclaredSize(size int64) SessionOption {
	return func(s *ScanSession) { s.declared = size }
}

// WithDedupe 在已有文件拷贝模式下开启按内容摘要的重复抑制.
func WithDedupe(enabled bool) SessionOption {
	return func(s *ScanSession) { s.dedupe = enabled }
}

// WithSessionLogger 指定日志器.
func WithSessionLogger(lg *zap.SugaredLogger) SessionOption {
	return func(s *ScanSession) { s.logger = lg }
}

// NewScanSession 初始化扫描会话, 不做任何I/O.
func NewScanSession(target storage.ScanTarget, outputDir string, mode Mode, opts ...SessionOption) *ScanSession {
	s := &ScanSession{
		target:    target,
		outputDir: outputDir,
		mode:      mode,
		logger:    logger.Default(),
		events:    make(chan carve.ProgressEvent, 128),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ScanSession) Repr() string {
	return fmt.Sprintf("<ScanSession-(%s on %s)>", s.mode, s.target.Path)
}

// Events 会话的进度事件通道, Run结束时关闭.
// 消费者缺席时事件可能被丢弃, 但送达事件的次序与Percent单调性不受影响.
func (s *ScanSession) Events() <-chan carve.ProgressEvent {
	return s.events
}

// Run 执行完整恢复流程并返回最终产出.
//
// 雕复中途的致命读错误返回此前已产出的记录与该错误;
// 上下文取消时返回已产出的记录, 并跳过验证与报告环节;
// 报告生成失败不中断会话, 仅记录日志并使ReportPath留空.
func (s *ScanSession) Run(ctx context.Context) (*Result, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, errors.Errorf("%s already consumed", s.Repr())
	}
	defer close(s.events)

	s.logger.Infof("%s starting, output=%s", s.Repr(), s.outputDir)
	s.emit(carve.ProgressEvent{Percent: 0, Message: fmt.Sprintf("Initializing %s on %s...", s.mode, s.target.Path)})

	var (
		records []carve.CarveRecord
		runErr  error
	)
	switch s.mode {
	case ModeExistingImages:
		records, runErr = s.runExisting(ctx)
	case ModeRawRecovery:
		records, runErr = s.runRaw(ctx)
	default:
		return nil, errors.Errorf("unknown scan mode `%s`", s.mode)
	}

	result := &Result{Records: records, OutputDir: s.outputDir}
	if runErr != nil {
		s.logger.Errorf("%s failed: %v", s.Repr(), runErr)
		return result, runErr
	}
	if basic.Cancelled(ctx) {
		return result, errors.Wrapf(ctx.Err(), "%s cancelled", s.Repr())
	}

	if s.reportFn != nil {
		s.emitMessage("Generating recovery report...")
		reportPath := filepath.Join(s.outputDir, DefaultReportName)
		actual, err := s.reportFn(records, reportPath, string(s.mode), s.target.Path)
		if err != nil {
			s.logger.Errorf("%s report generation failed: %v", s.Repr(), err)
		} else {
			result.ReportPath = actual
		}
	}

	s.emit(carve.ProgressEvent{Percent: 100, Message: "Recovery complete."})
	s.logger.Infof("%s finished, %v records", s.Repr(), len(result.Records))
	return result, nil
}

// runRaw 原始恢复: 雕复整个目标后验证产出, 损坏文件移入隔离目录.
func (s *ScanSession) runRaw(ctx context.Context) ([]carve.CarveRecord, error) {
	rawPath := storage.NormalizeRawPath(s.target.Path)
	s.emitMessage("Performing raw recovery...")

	opts := []carve.CarverOption{carve.WithLogger(s.logger)}
	if s.catalog != nil {
		opts = append(opts, carve.WithCatalog(s.catalog))
	}
	if s.policy != nil {
		opts = append(opts, carve.WithProgressPolicy(*s.policy))
	}
	if s.blockSize > 0 {
		opts = append(opts, carve.WithBlockSize(s.blockSize))
	}
	declared := s.declared
	if declared <= 0 && s.target.SizeBytes > 0 {
		declared = int64(s.target.SizeBytes)
	}
	if declared > 0 {
		opts = append(opts, carve.WithDeclaredSize(declared))
	}
	carver, err := carve.NewCarver(ctx, rawPath, s.outputDir, opts...)
	if err != nil {
		return nil, err
	}

	var records []carve.CarveRecord
	recordCh, progressCh := carver.Records(), carver.Progress()
	for recordCh != nil || progressCh != nil {
		select {
		case rec, ok := <-recordCh:
			if !ok {
				recordCh = nil
				continue
			}
			records = append(records, rec)
		case ev, ok := <-progressCh:
			if !ok {
				progressCh = nil
				continue
			}
			s.emit(ev)
		}
	}
	if err = carver.Error(); err != nil {
		return records, err
	}
	if basic.Cancelled(ctx) {
		return records, nil
	}

	s.emitMessage("Verifying recovered files...")
	verifier := carve.NewVerifier(carve.WithVerifyLogger(s.logger))
	verified, err := verifier.Verify(ctx, records, filepath.Join(s.outputDir, QuarantineDirName))
	if verified != nil {
		records = verified
	}
	if err != nil {
		return records, err
	}
	return records, nil
}

// runExisting 已有文件拷贝: 遍历目标的挂载树并复制受支持的图像文件, 不做验证.
func (s *ScanSession) runExisting(ctx context.Context) ([]carve.CarveRecord, error) {
	s.emitMessage("Scanning for existing images...")
	// 此模式遍历文件系统而非原始字节, 已挂载的卷以其挂载点为根.
	source := s.target.Path
	if s.target.MountPath != "" {
		source = s.target.MountPath
	}
	extractor := extract.NewExtractor(extract.WithDedupe(s.dedupe), extract.WithExtractLogger(s.logger))
	return extractor.Extract(ctx, source, s.outputDir)
}

// emit 发布一个进度事件, 对外Percent保持单调不减.
func (s *ScanSession) emit(ev carve.ProgressEvent) {
	if ev.Percent < s.lastPercent {
		ev.Percent = s.lastPercent
	}
	s.lastPercent = ev.Percent
	select {
	case s.events <- ev:
	default:
		// 消费者缺席或滞后时丢弃, 进度事件仅是提示性信息.
	}
}

func (s *ScanSession) emitMessage(format string, args ...interface{}) {
	s.emit(carve.ProgressEvent{Percent: s.lastPercent, Message: fmt.Sprintf(format, args...)})
}
