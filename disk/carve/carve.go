package carve

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/kisun-bit/carvepkg/disk/carve/signature"
	"github.com/kisun-bit/carvepkg/util/basic"
	"github.com/kisun-bit/carvepkg/util/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultBlockSize 扫描窗口的默认字节数, 与常见扇区大小一致.
const DefaultBlockSize = 512

// ErrTargetUnavailable 扫描目标无法打开, 此类失败不产生任何记录.
var ErrTargetUnavailable = errors.New("scan target unavailable")

// Carver 对原始字节流做顺序签名扫描, 还原其中嵌入的图像文件.
// 一次性使用, 构造即开始扫描, 产出经由Records与Progress两个通道送出.
type Carver struct {
	ctx          context.Context
	cancel       context.CancelFunc
	mutex        sync.RWMutex
	target       string             // 扫描目标(设备或镜像文件).
	outputDir    string             // 产出目录.
	handle       *os.File           // 目标只读句柄.
	catalog      *signature.Catalog // 签名目录.
	policy       ProgressPolicy     // 进度策略.
	blockSize    int                // 单块字节数.
	declaredSize int64              // 调用方声明的目标大小, 0表示未知.
	logger       *zap.SugaredLogger // 日志.
	recordChan   chan CarveRecord   // 产出的文件记录.
	progressChan chan ProgressEvent // 产出的进度事件.
	recovered    int                // 已收尾的产出文件计数, 亦用于命名.
	closeOnce    sync.Once          // 仅关闭一次.
	err          error              // 全局错误.
}

// CarverOption Carver构造选项.
type CarverOption func(*Carver)

// WithBlockSize 指定扫描块大小.
func WithBlockSize(blockSize int) CarverOption {
	return func(c *Carver) { c.blockSize = blockSize }
}

// WithCatalog 指定签名目录.
func WithCatalog(catalog *signature.Catalog) CarverOption {
	return func(c *Carver) { c.catalog = catalog }
}

// WithProgressPolicy 指定进度策略.
func WithProgressPolicy(policy ProgressPolicy) CarverOption {
	return func(c *Carver) { c.policy = policy }
}

// WithDeclaredSize 声明目标总字节数, 用于进度估算.
// 块设备经stat无法取得大小, 调用方可在此注入枚举得到的容量.
func WithDeclaredSize(size int64) CarverOption {
	return func(c *Carver) { c.declaredSize = size }
}

// WithLogger 指定日志器.
func WithLogger(lg *zap.SugaredLogger) CarverOption {
	return func(c *Carver) { c.logger = lg }
}

// NewCarver 初始化雕复引擎并立即开始扫描.
func NewCarver(ctx context.Context, target, outputDir string, opts ...CarverOption) (*Carver, error) {
	c := &Carver{
		target:    target,
		outputDir: outputDir,
		catalog:   signature.Default(),
		policy:    DefaultProgressPolicy(),
		blockSize: DefaultBlockSize,
		logger:    logger.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.blockSize <= 0 {
		return nil, errors.Errorf("invalid block-size %v", c.blockSize)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "NewCarver MkdirAll(%s)", outputDir)
	}
	handle, err := os.Open(target)
	if err != nil {
		return nil, errors.Wrapf(ErrTargetUnavailable, "NewCarver Open(%s): %v", target, err)
	}
	c.handle = handle
	if c.declaredSize <= 0 {
		if fi, e := handle.Stat(); e == nil && fi.Mode().IsRegular() {
			c.declaredSize = fi.Size()
		}
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.recordChan = make(chan CarveRecord, 16)
	c.progressChan = make(chan ProgressEvent, 128)
	go c.start()
	return c, nil
}

func (c *Carver) Repr() string {
	return fmt.Sprintf("<Carver-(%s)>", c.target)
}

// Records 产出文件记录通道, 扫描结束后关闭.
func (c *Carver) Records() <-chan CarveRecord {
	return c.recordChan
}

// Progress 进度事件通道, 扫描结束后关闭.
func (c *Carver) Progress() <-chan ProgressEvent {
	return c.progressChan
}

// Error 返回扫描期间的全局错误, 应在Records关闭后查询.
func (c *Carver) Error() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.err
}

// Release 终止扫描并清空通道, 可重复调用.
func (c *Carver) Release() {
	c.logger.Debugf("%s.Release enter...", c.Repr())
	c.cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range c.recordChan {
		}
	}()
	go func() {
		defer wg.Done()
		for range c.progressChan {
		}
	}()
	wg.Wait()
}

// carveSink 恢复中文件的写出端.
type carveSink struct {
	kind    signature.Kind
	format  *signature.Format
	path    string
	file    *os.File
	written int64
	failed  bool // 写失败后置位, 该文件以当前内容收尾.
}

func (s *carveSink) write(p []byte) error {
	n, err := s.file.Write(p)
	s.written += int64(n)
	return err
}

func (c *Carver) start() {
	defer c.close()

	tracker := newProgressTracker(c.policy, int64(c.blockSize), c.declaredSize)
	c.logger.Debugf("%s .......target=%s", c.Repr(), c.target)
	c.logger.Debugf("%s ....blockSize=%v", c.Repr(), c.blockSize)
	c.logger.Debugf("%s .declaredSize=%v", c.Repr(), c.declaredSize)
	c.logger.Debugf("%s ..totalBlocks=%v", c.Repr(), tracker.totalBlocks)
	c.logger.Debugf("%s ..maxStartLen=%v", c.Repr(), c.catalog.MaxStartLen())

	c.emitProgress(tracker.messageAt("Scanning drive sectors for image files..."))

	buf := make([]byte, c.blockSize)
	var (
		tail   []byte     // 空闲时保留的上一窗口末尾残留.
		sink   *carveSink // 当前恢复中的文件, nil表示空闲.
		offset int64      // 当前块的起始偏移.
		normal bool       // 是否读尽介质后正常退出.
	)
	for {
		if c.cancelled() {
			c.logger.Infof("%s cancelled at offset %v", c.Repr(), offset)
			break
		}
		if c.errored() {
			break
		}
		n, err := io.ReadFull(c.handle, buf)
		if err == io.EOF {
			normal = true
			break
		}
		last := err == io.ErrUnexpectedEOF
		if err != nil && !last {
			c.logger.Errorf("%s.start read at offset %v ERROR=%v", c.Repr(), offset, err)
			c.setError(errors.Wrapf(err, "read block at offset %v", offset))
			break
		}
		block := buf[:n]

		if sink == nil {
			if ev, ok := tracker.advanceIdle(); ok {
				c.emitProgress(ev)
			}
			// 空闲状态的搜索窗口为残留尾部与新块的拼接, 以命中跨块边界的起始签名.
			window := block
			if len(tail) > 0 {
				window = make([]byte, 0, len(tail)+len(block))
				window = append(window, tail...)
				window = append(window, block...)
			}
			if m, found := c.catalog.FindStart(window); found {
				c.logger.Infof("Found %s at location: %#x",
					strings.ToUpper(m.Kind.String()), offset-int64(len(tail))+int64(m.Offset))
				sink = c.beginSink(m.Kind, window[m.Offset:], tracker)
				tail = nil
			} else {
				tail = captureTail(window, c.catalog.MaxStartLen()-1)
			}
		} else {
			if ev, ok := tracker.advanceInFile(sink.kind); ok {
				c.emitProgress(ev)
			}
			if k := bytes.Index(block, sink.format.End); k < 0 {
				if werr := sink.write(block); werr != nil {
					c.logger.Errorf("%s.start write %s ERROR=%v", c.Repr(), sink.path, werr)
					sink.failed = true
					c.finishSink(sink, tracker)
					sink = nil
				}
			} else {
				// 结束签名命中, 自命中位置保留固定字节数, 超出块尾则截断.
				cut := k + sink.format.EndRetain
				if cut > len(block) {
					cut = len(block)
				}
				if werr := sink.write(block[:cut]); werr != nil {
					c.logger.Errorf("%s.start write %s ERROR=%v", c.Repr(), sink.path, werr)
					sink.failed = true
				}
				c.finishSink(sink, tracker)
				sink = nil
				// 块内剩余部分重新参与起始签名匹配.
				rest := block[cut:]
				if m, found := c.catalog.FindStart(rest); found {
					c.logger.Infof("Found %s at location: %#x",
						strings.ToUpper(m.Kind.String()), offset+int64(cut)+int64(m.Offset))
					sink = c.beginSink(m.Kind, rest[m.Offset:], tracker)
					tail = nil
				} else {
					tail = captureTail(rest, c.catalog.MaxStartLen()-1)
				}
			}
		}

		offset += int64(len(block))
		if last {
			normal = true
			break
		}
	}

	// 介质耗尽或中途退出时, 恢复中的文件以已写内容收尾, 其记录照常送出.
	if sink != nil {
		c.finishSink(sink, tracker)
		sink = nil
	}
	if normal {
		c.emitProgress(tracker.complete(c.recovered))
		c.logger.Infof("%s scan finished, recovered=%v, processed-blocks=%v",
			c.Repr(), c.recovered, tracker.processedBlocks)
	}
}

// beginSink 打开新的恢复文件并写入首段数据.
// 创建或首写失败时该候选立即以失败收尾, 返回nil.
func (c *Carver) beginSink(kind signature.Kind, data []byte, tracker *progressTracker) *carveSink {
	format, _ := c.catalog.Format(kind)
	s := &carveSink{
		kind:   kind,
		format: format,
		path:   filepath.Join(c.outputDir, fmt.Sprintf("recovered_%d.%s", c.recovered, kind)),
	}
	f, err := os.Create(s.path)
	if err != nil {
		c.logger.Errorf("%s.beginSink Create(%s) ERROR=%v", c.Repr(), s.path, err)
		s.failed = true
		c.finishSink(s, tracker)
		return nil
	}
	s.file = f
	tracker.beginFile()
	if werr := s.write(data); werr != nil {
		c.logger.Errorf("%s.beginSink write(%s) ERROR=%v", c.Repr(), s.path, werr)
		s.failed = true
		c.finishSink(s, tracker)
		return nil
	}
	return s
}

// finishSink 关闭恢复文件并送出其记录.
func (c *Carver) finishSink(s *carveSink, tracker *progressTracker) {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			c.logger.Errorf("%s.finishSink Close(%s) ERROR=%v", c.Repr(), s.path, err)
		}
	}
	size := s.written
	if s.file != nil {
		if fi, err := os.Stat(s.path); err == nil {
			size = fi.Size()
		}
	}
	c.recovered++
	c.emitRecord(CarveRecord{Path: s.path, Size: size, Type: s.kind, Status: StatusRecovered})
	c.emitProgress(tracker.messageAt("Recovered file %d: %s", c.recovered, filepath.Base(s.path)))
	c.logger.Infof("%s recovered %s, %s", c.Repr(), filepath.Base(s.path), humanize.IBytes(uint64(size)))
}

// captureTail 复制窗口末尾至多n字节的残留.
func captureTail(window []byte, n int) []byte {
	if n <= 0 || len(window) == 0 {
		return nil
	}
	if len(window) < n {
		n = len(window)
	}
	tail := make([]byte, n)
	copy(tail, window[len(window)-n:])
	return tail
}

func (c *Carver) emitRecord(rec CarveRecord) {
	c.recordChan <- rec
}

func (c *Carver) emitProgress(ev ProgressEvent) {
	c.progressChan <- ev
}

func (c *Carver) close() {
	c.closeOnce.Do(func() {
		err := c.handle.Close()
		c.logger.Debugf("%s.close closed `%v`: %v", c.Repr(), c.target, err)
		close(c.recordChan)
		close(c.progressChan)
	})
}

func (c *Carver) setError(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
}

func (c *Carver) cancelled() bool {
	return basic.Cancelled(c.ctx)
}

func (c *Carver) errored() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.err != nil
}
