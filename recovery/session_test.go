package recovery

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kisun-bit/carvepkg/disk/carve"
	"github.com/kisun-bit/carvepkg/disk/carve/signature"
	"github.com/kisun-bit/carvepkg/sys/info/storage"
	"github.com/pkg/errors"
)

// encodeJPEG 生成一幅可完整解码的JPEG图像, Go编码器的输出以SOI+DQT起始.
func encodeJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 37), G: uint8(y * 91), B: uint8((x + y) * 13), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	data := buf.Bytes()
	if !bytes.HasPrefix(data, []byte(signature.JPEGSOIDQTMagic)) {
		t.Fatalf("jpeg fixture does not begin with a known signature: % x", data[:8])
	}
	return data
}

// encodePNG 生成一幅可完整解码的PNG图像.
func encodePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	seed := uint32(2463534242)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			seed = seed*1664525 + 1013904223
			img.Set(x, y, color.RGBA{R: uint8(seed >> 24), G: uint8(seed >> 16), B: uint8(seed >> 8), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// padTo 以零字节补齐到n字节.
func padTo(stream []byte, n int) []byte {
	for len(stream) < n {
		stream = append(stream, 0)
	}
	return stream
}

// writeImageTarget 将包含一幅JPEG与一幅PNG的介质镜像写入临时目录.
func writeImageTarget(t *testing.T, dir string) string {
	t.Helper()
	stream := append(make([]byte, 512), encodeJPEG(t)...)
	stream = padTo(stream, ((len(stream)/512)+2)*512)
	stream = append(stream, encodePNG(t)...)
	stream = padTo(stream, ((len(stream)/512)+2)*512)
	target := filepath.Join(dir, "target.img")
	if err := os.WriteFile(target, stream, 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	return target
}

// collectEvents 在后台排空会话事件, 返回在Run结束后可安全读取的切片指针.
func collectEvents(s *ScanSession) (*[]carve.ProgressEvent, chan struct{}) {
	var events []carve.ProgressEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range s.Events() {
			events = append(events, ev)
		}
	}()
	return &events, done
}

// reportStub 记录报告函数的调用实参.
type reportStub struct {
	called     int
	records    []carve.CarveRecord
	reportPath string
	scanType   string
	targetPath string
	returnPath string
	returnErr  error
}

func (r *reportStub) fn(records []carve.CarveRecord, reportPath, scanType, targetPath string) (string, error) {
	r.called++
	r.records = records
	r.reportPath = reportPath
	r.scanType = scanType
	r.targetPath = targetPath
	if r.returnErr != nil {
		return "", r.returnErr
	}
	return r.returnPath, nil
}

func messagesOf(events []carve.ProgressEvent) string {
	var lines []string
	for _, ev := range events {
		if ev.Message != "" {
			lines = append(lines, ev.Message)
		}
	}
	return strings.Join(lines, "\n")
}

func TestSessionRawRecoveryEndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := writeImageTarget(t, dir)
	outDir := filepath.Join(dir, "out")
	stub := &reportStub{returnPath: filepath.Join(outDir, DefaultReportName)}

	s := NewScanSession(
		storage.ScanTarget{Path: target, Kind: storage.KindUnknown},
		outDir,
		ModeRawRecovery,
		WithReportFunc(stub.fn),
	)
	events, done := collectEvents(s)
	result, err := s.Run(context.Background())
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.OutputDir != outDir {
		t.Errorf("output dir = %s, expected %s", result.OutputDir, outDir)
	}
	if result.ReportPath != stub.returnPath {
		t.Errorf("report path = %s, expected %s", result.ReportPath, stub.returnPath)
	}

	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(result.Records))
	}
	for i, rec := range result.Records {
		if rec.Status != carve.StatusOK {
			t.Errorf("record %d status = %s, expected OK", i, rec.Status)
		}
		if len(rec.Hash) != 64 {
			t.Errorf("record %d hash %q is not a sha256 hex digest", i, rec.Hash)
		}
	}
	if result.Records[0].Type != signature.JPG || result.Records[1].Type != signature.PNG {
		t.Errorf("unexpected record types %s, %s", result.Records[0].Type, result.Records[1].Type)
	}

	if stub.called != 1 {
		t.Fatalf("report function called %d times, expected once", stub.called)
	}
	if stub.scanType != "Raw Recovery" || stub.targetPath != target {
		t.Errorf("report got scanType=%q targetPath=%q", stub.scanType, stub.targetPath)
	}
	if stub.reportPath != filepath.Join(outDir, DefaultReportName) {
		t.Errorf("report path argument = %s", stub.reportPath)
	}
	if len(stub.records) != 2 || stub.records[0].Status != carve.StatusOK {
		t.Error("report did not receive the verified records")
	}

	evs := *events
	if len(evs) == 0 {
		t.Fatal("no progress events")
	}
	first := evs[0]
	if first.Percent != 0 || first.Message != "Initializing Raw Recovery on "+target+"..." {
		t.Errorf("unexpected first event %+v", first)
	}
	last := evs[len(evs)-1]
	if last.Percent != 100 || last.Message != "Recovery complete." {
		t.Errorf("unexpected final event %+v", last)
	}
	prev := 0
	for i, ev := range evs {
		if ev.Percent < prev {
			t.Fatalf("percent decreased at %d: %d after %d", i, ev.Percent, prev)
		}
		prev = ev.Percent
	}
	joined := messagesOf(evs)
	for _, stage := range []string{
		"Performing raw recovery...",
		"Scanning drive sectors for image files...",
		"Scan complete. Found 2 files.",
		"Verifying recovered files...",
		"Generating recovery report...",
	} {
		if !strings.Contains(joined, stage) {
			t.Errorf("stage message %q missing:\n%s", stage, joined)
		}
	}
}

func TestSessionExistingImages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	jpg, pngData := encodeJPEG(t), encodePNG(t)
	for name, data := range map[string][]byte{
		"a.jpg":     jpg,
		"b.png":     pngData,
		"notes.txt": []byte("not an image"),
	} {
		if err := os.WriteFile(filepath.Join(srcDir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	outDir := filepath.Join(dir, "out")
	stub := &reportStub{returnPath: filepath.Join(outDir, DefaultReportName)}

	s := NewScanSession(
		storage.ScanTarget{Path: srcDir},
		outDir,
		ModeExistingImages,
		WithReportFunc(stub.fn),
		WithDedupe(true),
	)
	events, done := collectEvents(s)
	result, err := s.Run(context.Background())
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(result.Records))
	}
	for i, rec := range result.Records {
		if rec.Status != carve.StatusCopied {
			t.Errorf("record %d status = %s, expected Copied", i, rec.Status)
		}
		if rec.OriginalPath == "" {
			t.Errorf("record %d has no original path", i)
		}
	}
	if result.Records[0].FileName() != "image_1.jpg" || result.Records[1].FileName() != "image_2.png" {
		t.Errorf("unexpected output names %s, %s", result.Records[0].FileName(), result.Records[1].FileName())
	}
	copied, err := os.ReadFile(result.Records[0].Path)
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if !bytes.Equal(copied, jpg) {
		t.Error("copied jpeg differs from the source")
	}

	if stub.called != 1 || stub.scanType != "Existing Images" || stub.targetPath != srcDir {
		t.Errorf("report got called=%d scanType=%q targetPath=%q", stub.called, stub.scanType, stub.targetPath)
	}

	joined := messagesOf(*events)
	if !strings.Contains(joined, "Scanning for existing images...") {
		t.Errorf("scan stage message missing:\n%s", joined)
	}
	if strings.Contains(joined, "Verifying recovered files...") {
		t.Error("copy mode must not run verification")
	}
}

func TestSessionExistingImagesPrefersMountPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mountDir := filepath.Join(dir, "mnt")
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		t.Fatalf("mkdir mount: %v", err)
	}
	if err := os.WriteFile(filepath.Join(mountDir, "photo.png"), encodePNG(t), 0o644); err != nil {
		t.Fatalf("write photo: %v", err)
	}

	// 目标路径是设备节点, 文件遍历应以挂载点为根.
	s := NewScanSession(
		storage.ScanTarget{Path: "/dev/sdz1", MountPath: mountDir},
		filepath.Join(dir, "out"),
		ModeExistingImages,
	)
	_, done := collectEvents(s)
	result, err := s.Run(context.Background())
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].OriginalPath != filepath.Join(mountDir, "photo.png") {
		t.Fatalf("unexpected records %+v", result.Records)
	}
	if result.ReportPath != "" {
		t.Errorf("report path = %s, expected empty without a report function", result.ReportPath)
	}
}

func TestSessionReportFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "a.jpg"), encodeJPEG(t), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	stub := &reportStub{returnErr: errors.New("disk full")}

	s := NewScanSession(storage.ScanTarget{Path: srcDir}, filepath.Join(dir, "out"), ModeExistingImages, WithReportFunc(stub.fn))
	events, done := collectEvents(s)
	result, err := s.Run(context.Background())
	<-done
	if err != nil {
		t.Fatalf("report failure must not fail the session: %v", err)
	}
	if result.ReportPath != "" {
		t.Errorf("report path = %s, expected empty on failure", result.ReportPath)
	}
	if stub.called != 1 {
		t.Errorf("report function called %d times", stub.called)
	}
	evs := *events
	if last := evs[len(evs)-1]; last.Percent != 100 || last.Message != "Recovery complete." {
		t.Errorf("unexpected final event %+v", last)
	}
}

func TestSessionUnknownMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewScanSession(storage.ScanTarget{Path: dir}, filepath.Join(dir, "out"), Mode("Deep Scan"))
	_, done := collectEvents(s)
	result, err := s.Run(context.Background())
	<-done
	if err == nil || !strings.Contains(err.Error(), "unknown scan mode") {
		t.Fatalf("expected an unknown-mode error, got %v", err)
	}
	if result != nil {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestSessionRunTwice(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	s := NewScanSession(storage.ScanTarget{Path: srcDir}, filepath.Join(dir, "out"), ModeExistingImages)
	_, done := collectEvents(s)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	<-done
	if _, err := s.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "already consumed") {
		t.Fatalf("expected a reuse error, got %v", err)
	}
}

func TestSessionCancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := writeImageTarget(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stub := &reportStub{}

	s := NewScanSession(storage.ScanTarget{Path: target}, filepath.Join(dir, "out"), ModeRawRecovery, WithReportFunc(stub.fn))
	events, done := collectEvents(s)
	result, err := s.Run(ctx)
	<-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a cancellation error, got %v", err)
	}
	if result == nil {
		t.Fatal("cancellation must still return the partial result")
	}
	if stub.called != 0 {
		t.Error("cancelled session must not generate a report")
	}
	joined := messagesOf(*events)
	if strings.Contains(joined, "Verifying recovered files...") {
		t.Error("cancelled session must not verify")
	}
	if strings.Contains(joined, "Recovery complete.") {
		t.Error("cancelled session must not claim completion")
	}
}
