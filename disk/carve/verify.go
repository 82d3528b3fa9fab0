package carve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/kisun-bit/carvepkg/disk/carve/signature"
	"github.com/kisun-bit/carvepkg/util/basic"
	"github.com/kisun-bit/carvepkg/util/logger"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	MaxVerifyCores = 128

	// HashError 摘要计算失败时记录中的占位值.
	HashError = "hash_error"

	hashChunkSize = 4096
	maxImageEdge  = 10000
)

// Verifier 校验产出文件的完整性, 损坏项移入隔离目录.
// 摘要与解码检查并行执行, 状态判定与隔离移动按记录次序串行执行,
// 故隔离文件的编号在同一输入下是确定的.
type Verifier struct {
	cores  int
	logger *zap.SugaredLogger
}

// VerifierOption Verifier构造选项.
type VerifierOption func(*Verifier)

// WithVerifyCores 指定并行检查的协程数.
func WithVerifyCores(cores int) VerifierOption {
	return func(v *Verifier) { v.cores = cores }
}

// WithVerifyLogger 指定日志器.
func WithVerifyLogger(lg *zap.SugaredLogger) VerifierOption {
	return func(v *Verifier) { v.logger = lg }
}

// NewVerifier 初始化验证器.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		cores:  runtime.NumCPU(),
		logger: logger.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cores > MaxVerifyCores || v.cores <= 0 {
		v.cores = MaxVerifyCores
	}
	return v
}

// inspectOutcome 单个文件的检查结论.
type inspectOutcome struct {
	exists bool
	hash   string
	valid  bool
}

// Verify 校验records并返回更新后的副本, 损坏文件移入quarantineDir.
// 隔离目录创建失败是唯一的致命错误, 单个文件的任何问题仅体现为其状态.
func (v *Verifier) Verify(ctx context.Context, records []CarveRecord, quarantineDir string) ([]CarveRecord, error) {
	v.logger.Infof("Starting verification of %v files", len(records))
	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "Verify MkdirAll(%s)", quarantineDir)
	}

	verified := make([]CarveRecord, len(records))
	copy(verified, records)
	outcomes := make([]inspectOutcome, len(records))

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(v.cores, func(i interface{}) {
		defer wg.Done()
		idx := i.(int)
		outcomes[idx] = v.inspect(&verified[idx])
	})
	if err != nil {
		return nil, errors.Wrap(err, "Verify NewPoolWithFunc")
	}
	defer pool.Release()

	scheduled := 0
	for i := range verified {
		if basic.Cancelled(ctx) {
			break
		}
		wg.Add(1)
		if e := pool.Invoke(i); e != nil {
			wg.Done()
			wg.Wait()
			return verified, errors.Wrapf(e, "Verify Invoke(%v)", i)
		}
		scheduled++
	}
	wg.Wait()

	corrupted := 0
	for i := 0; i < scheduled; i++ {
		rec := &verified[i]
		out := outcomes[i]
		if !out.exists {
			rec.Status = StatusMissing
			continue
		}
		rec.Hash = out.hash
		if out.valid {
			rec.Status = StatusOK
			continue
		}
		corrupted++
		dst := filepath.Join(quarantineDir, fmt.Sprintf("corrupted_%d_%s", corrupted, filepath.Base(rec.Path)))
		if e := os.Rename(rec.Path, dst); e != nil {
			v.logger.Errorf("Error moving corrupted file: %v", e)
			rec.Status = StatusCorruptedKept
			continue
		}
		v.logger.Warnf("Moved corrupted file to: %s", dst)
		rec.Path = dst
		rec.Status = StatusCorrupted
	}

	okCount := 0
	corruptedCount := 0
	for i := range verified {
		switch {
		case verified[i].Status == StatusOK:
			okCount++
		case verified[i].Status.Corrupted():
			corruptedCount++
		}
	}
	v.logger.Infof("Verification complete. %v OK, %v corrupted", okCount, corruptedCount)

	if scheduled < len(verified) {
		return verified, errors.Wrapf(ctx.Err(), "verification cancelled after %v of %v", scheduled, len(verified))
	}
	return verified, nil
}

// inspect 计算摘要并判定图像有效性, 不改动文件本身.
func (v *Verifier) inspect(rec *CarveRecord) inspectOutcome {
	out := inspectOutcome{}
	if _, err := os.Stat(rec.Path); err != nil {
		v.logger.Warnf("File does not exist: %s", rec.Path)
		return out
	}
	out.exists = true
	out.hash = v.fileHash(rec.Path)
	out.valid = v.validImage(rec.Path, rec.Type)
	return out
}

// fileHash 流式计算文件的SHA-256摘要, 任何失败返回HashError占位值.
func (v *Verifier) fileHash(path string) string {
	f, err := os.Open(path)
	if err != nil {
		v.logger.Errorf("Error calculating hash for %s: %v", path, err)
		return HashError
	}
	defer f.Close()
	h := sha256.New()
	if _, err = io.CopyBuffer(h, f, make([]byte, hashChunkSize)); err != nil {
		v.logger.Errorf("Error calculating hash for %s: %v", path, err)
		return HashError
	}
	return hex.EncodeToString(h.Sum(nil))
}

// validImage 完整解码图像并核对尺寸与格式.
func (v *Verifier) validImage(path string, kind signature.Kind) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.Size() == 0 {
		v.logger.Warnf("Empty file: %s", path)
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		v.logger.Warnf("Invalid image file %s: %v", path, err)
		return false
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		v.logger.Warnf("Invalid image file %s: %v", path, err)
		return false
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if width <= 0 || height <= 0 || width > maxImageEdge || height > maxImageEdge {
		v.logger.Warnf("Invalid image dimensions: %vx%v for %s", width, height, path)
		return false
	}
	if format != kind.DecoderFormat() {
		v.logger.Warnf("File extension mismatch: %s is not a %s", path, strings.ToUpper(kind.DecoderFormat()))
		return false
	}
	return true
}
