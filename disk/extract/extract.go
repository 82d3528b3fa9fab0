// Package extract 自已挂载的目录树中收集既有图像文件.
// 与签名雕复不同, 此模式按扩展名筛选并整文件拷贝, 不做内容校验.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/kisun-bit/carvepkg/disk/carve"
	"github.com/kisun-bit/carvepkg/disk/carve/signature"
	"github.com/kisun-bit/carvepkg/util/basic"
	"github.com/kisun-bit/carvepkg/util/logger"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// Extractor 既有图像文件的收集器.
type Extractor struct {
	exts   []string           // 允许的扩展名, 含点且小写.
	dedupe bool               // 按内容摘要跳过重复文件.
	logger *zap.SugaredLogger // 日志.
}

// ExtractorOption Extractor构造选项.
type ExtractorOption func(*Extractor)

// WithDedupe 开启或关闭按xxhash64内容摘要的重复抑制.
func WithDedupe(enabled bool) ExtractorOption {
	return func(e *Extractor) { e.dedupe = enabled }
}

// WithExtractLogger 指定日志器.
func WithExtractLogger(lg *zap.SugaredLogger) ExtractorOption {
	return func(e *Extractor) { e.logger = lg }
}

// NewExtractor 初始化收集器, 默认不做重复抑制.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		exts: []string{
			"." + signature.JPG.String(),
			"." + signature.JPEG.String(),
			"." + signature.PNG.String(),
		},
		logger: logger.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract 遍历sourceDir, 将受支持的图像文件拷贝到outputDir.
// 产出文件按image_<n><ext>命名, 编号自1起, 拷贝失败的候选仍消耗编号.
// 单文件失败仅记日志并跳过, 目录树根不可达或上下文取消时返回部分结果与错误.
func (e *Extractor) Extract(ctx context.Context, sourceDir, outputDir string) ([]carve.CarveRecord, error) {
	e.logger.Infof("Starting existing image extraction from %s", sourceDir)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "Extract MkdirAll(%s)", outputDir)
	}

	var (
		records []carve.CarveRecord
		seen    map[uint64]string
		count   int
	)
	if e.dedupe {
		seen = make(map[uint64]string)
	}
	walkErr := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if basic.Cancelled(ctx) {
			return ctx.Err()
		}
		if err != nil {
			if d == nil {
				return err
			}
			e.logger.Warnf("Skipping inaccessible path %s: %v", path, err)
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !funk.InStrings(e.exts, ext) {
			return nil
		}
		kind, _ := signature.KindFromPath(d.Name())
		if e.dedupe {
			digest, derr := fileDigest(path)
			if derr != nil {
				// 摘要失败不丢弃候选, 仅放弃对该文件的重复抑制.
				e.logger.Warnf("Error hashing file %s: %v", path, derr)
			} else if prev, dup := seen[digest]; dup {
				e.logger.Infof("Skipped duplicate %s, identical to %s", path, prev)
				return nil
			} else {
				seen[digest] = path
			}
		}
		count++
		dst := filepath.Join(outputDir, fmt.Sprintf("image_%d%s", count, ext))
		size, cerr := copyFile(path, dst)
		if cerr != nil {
			e.logger.Errorf("Error copying file %s: %v", path, cerr)
			return nil
		}
		records = append(records, carve.CarveRecord{
			Path:         dst,
			OriginalPath: path,
			Size:         size,
			Type:         kind,
			Status:       carve.StatusCopied,
		})
		e.logger.Infof("Copied existing file: %s to %s", path, dst)
		return nil
	})
	if walkErr != nil {
		e.logger.Errorf("Error extracting existing images: %v", walkErr)
		return records, errors.Wrapf(walkErr, "Extract walk(%s)", sourceDir)
	}
	e.logger.Infof("Extraction complete. Extracted %v existing image files.", len(records))
	return records, nil
}

// IsValidImage 以扩展名, 非零大小与头部签名做快速有效性探测, 不做完整解码.
func (e *Extractor) IsValidImage(path string) bool {
	kind, ok := signature.KindFromPath(path)
	if !ok {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		e.logger.Errorf("Error checking image validity for %s: %v", path, err)
		return false
	}
	if fi.Size() == 0 {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		e.logger.Errorf("Error checking image validity for %s: %v", path, err)
		return false
	}
	defer f.Close()
	header := make([]byte, 8)
	n, _ := io.ReadFull(f, header)
	header = header[:n]
	switch kind.DecoderFormat() {
	case "jpeg":
		return bytes.HasPrefix(header, []byte(signature.JPEGPrefixMagic))
	case "png":
		return bytes.HasPrefix(header, []byte(signature.PNGHeaderMagic))
	}
	return false
}

// fileDigest 计算文件内容的xxhash64摘要.
func fileDigest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err = io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// copyFile 拷贝文件内容并保留源文件的修改时间, 返回拷贝的字节数.
func copyFile(src, dst string) (int64, error) {
	sf, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer sf.Close()
	fi, err := sf.Stat()
	if err != nil {
		return 0, err
	}
	df, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(df, sf)
	if cerr := df.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if err = os.Chtimes(dst, fi.ModTime(), fi.ModTime()); err != nil {
		return n, err
	}
	return n, nil
}
