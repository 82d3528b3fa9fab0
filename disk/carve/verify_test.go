package carve

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kisun-bit/carvepkg/disk/carve/signature"
)

// writeRecord 将给定内容落盘并构造一条待验证的恢复记录.
func writeRecord(t *testing.T, dir, name string, data []byte, kind signature.Kind) CarveRecord {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return CarveRecord{Path: p, Size: int64(len(data)), Type: kind, Status: StatusRecovered}
}

func TestVerifyValidPNG(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := encodePNG(t)
	records := []CarveRecord{writeRecord(t, dir, "recovered_0.png", data, signature.PNG)}

	verified, err := NewVerifier().Verify(context.Background(), records, filepath.Join(dir, "corrupted"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	rec := verified[0]
	if rec.Status != StatusOK {
		t.Errorf("status = %s, expected OK", rec.Status)
	}
	if rec.Path != records[0].Path {
		t.Errorf("path changed to %s", rec.Path)
	}
	sum := sha256.Sum256(data)
	if rec.Hash != hex.EncodeToString(sum[:]) {
		t.Errorf("hash = %s, expected %s", rec.Hash, hex.EncodeToString(sum[:]))
	}
}

func TestVerifyExtensionMismatch(t *testing.T) {
	t.Parallel()

	// PNG内容冒充jpg扩展名, 可解码但族别不符.
	dir := t.TempDir()
	records := []CarveRecord{writeRecord(t, dir, "recovered_0.jpg", encodePNG(t), signature.JPG)}

	verified, err := NewVerifier().Verify(context.Background(), records, filepath.Join(dir, "corrupted"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	rec := verified[0]
	if rec.Status != StatusCorrupted {
		t.Errorf("status = %s, expected %s", rec.Status, StatusCorrupted)
	}
	if len(rec.Hash) != 64 {
		t.Errorf("hash %q is not a sha256 hex digest", rec.Hash)
	}
	if filepath.Base(rec.Path) != "corrupted_1_recovered_0.jpg" {
		t.Errorf("unexpected quarantine name %s", filepath.Base(rec.Path))
	}
}

func TestVerifyMissingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	records := []CarveRecord{{
		Path:   filepath.Join(dir, "recovered_0.jpg"),
		Size:   42,
		Type:   signature.JPG,
		Status: StatusRecovered,
	}}

	verified, err := NewVerifier().Verify(context.Background(), records, filepath.Join(dir, "corrupted"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	rec := verified[0]
	if rec.Status != StatusMissing {
		t.Errorf("status = %s, expected %s", rec.Status, StatusMissing)
	}
	if rec.Hash != "" {
		t.Errorf("missing file must keep an empty hash, got %q", rec.Hash)
	}
}

func TestVerifyEmptyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	records := []CarveRecord{writeRecord(t, dir, "recovered_0.jpg", nil, signature.JPG)}

	verified, err := NewVerifier().Verify(context.Background(), records, filepath.Join(dir, "corrupted"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	rec := verified[0]
	if rec.Status != StatusCorrupted {
		t.Errorf("status = %s, expected %s", rec.Status, StatusCorrupted)
	}
	const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if rec.Hash != emptySHA256 {
		t.Errorf("hash = %s, expected the empty digest", rec.Hash)
	}
}

func TestVerifyHashError(t *testing.T) {
	t.Parallel()

	// 记录路径指向目录: 可打开但按字节读取失败, 摘要退化为哨兵值.
	dir := t.TempDir()
	sub := filepath.Join(dir, "recovered_0.jpg")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	records := []CarveRecord{{Path: sub, Type: signature.JPG, Status: StatusRecovered}}

	verified, err := NewVerifier().Verify(context.Background(), records, filepath.Join(dir, "corrupted"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	rec := verified[0]
	if rec.Hash != HashError {
		t.Errorf("hash = %q, expected %q", rec.Hash, HashError)
	}
	if !rec.Status.Corrupted() {
		t.Errorf("status = %s, expected a corrupted variant", rec.Status)
	}
}

func TestVerifyQuarantineNumbering(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	records := []CarveRecord{
		writeRecord(t, dir, "recovered_0.jpg", bytes.Repeat([]byte{0x41}, 64), signature.JPG),
		writeRecord(t, dir, "recovered_1.png", encodePNG(t), signature.PNG),
		writeRecord(t, dir, "recovered_2.png", encodePNG(t)[:100], signature.PNG),
		writeRecord(t, dir, "recovered_3.jpg", nil, signature.JPG),
	}

	verified, err := NewVerifier(WithVerifyCores(2)).Verify(context.Background(), records, filepath.Join(dir, "corrupted"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified[1].Status != StatusOK {
		t.Errorf("record 1 status = %s, expected OK", verified[1].Status)
	}
	// 隔离编号按记录顺序而非完成顺序分配.
	expected := map[int]string{
		0: "corrupted_1_recovered_0.jpg",
		2: "corrupted_2_recovered_2.png",
		3: "corrupted_3_recovered_3.jpg",
	}
	for idx, name := range expected {
		if verified[idx].Status != StatusCorrupted {
			t.Errorf("record %d status = %s, expected %s", idx, verified[idx].Status, StatusCorrupted)
		}
		if filepath.Base(verified[idx].Path) != name {
			t.Errorf("record %d quarantined as %s, expected %s", idx, filepath.Base(verified[idx].Path), name)
		}
		if _, e := os.Stat(verified[idx].Path); e != nil {
			t.Errorf("quarantined file %s missing: %v", name, e)
		}
	}
}

func TestVerifyCorruptedNotMoved(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	records := []CarveRecord{writeRecord(t, dir, "recovered_0.jpg", bytes.Repeat([]byte{0x41}, 64), signature.JPG)}

	// 以同名目录占据隔离路径, 迫使移动失败.
	quarantine := filepath.Join(dir, "corrupted")
	if err := os.MkdirAll(filepath.Join(quarantine, "corrupted_1_recovered_0.jpg"), 0o755); err != nil {
		t.Fatalf("prepare blocking dir: %v", err)
	}

	verified, err := NewVerifier().Verify(context.Background(), records, quarantine)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	rec := verified[0]
	if rec.Status != StatusCorruptedKept {
		t.Errorf("status = %s, expected %s", rec.Status, StatusCorruptedKept)
	}
	if !rec.Status.Corrupted() {
		t.Error("kept variant must still count as corrupted")
	}
	if rec.Path != records[0].Path {
		t.Errorf("path changed to %s", rec.Path)
	}
	if _, err = os.Stat(records[0].Path); err != nil {
		t.Errorf("file no longer at its original path: %v", err)
	}
}

func TestVerifyQuarantineDirFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	records := []CarveRecord{writeRecord(t, dir, "recovered_0.png", encodePNG(t), signature.PNG)}
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	if _, err := NewVerifier().Verify(context.Background(), records, filepath.Join(blocker, "corrupted")); err == nil {
		t.Fatal("expected an error for an unusable quarantine dir")
	}
}

func TestVerifyDimensionLimit(t *testing.T) {
	t.Parallel()

	// 10001像素宽超出尺寸上限, 即便图像本身可解码.
	img := image.NewRGBA(image.Rect(0, 0, 10001, 1))
	for x := 0; x < 10001; x++ {
		img.Set(x, 0, color.RGBA{R: 0x20, G: 0x40, B: 0x60, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	dir := t.TempDir()
	records := []CarveRecord{writeRecord(t, dir, "recovered_0.png", buf.Bytes(), signature.PNG)}

	verified, err := NewVerifier().Verify(context.Background(), records, filepath.Join(dir, "corrupted"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified[0].Status != StatusCorrupted {
		t.Errorf("status = %s, expected %s", verified[0].Status, StatusCorrupted)
	}
}

func TestVerifyCancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	records := []CarveRecord{writeRecord(t, dir, "recovered_0.png", encodePNG(t), signature.PNG)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	verified, err := NewVerifier().Verify(ctx, records, filepath.Join(dir, "corrupted"))
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if !strings.Contains(err.Error(), "verification cancelled after 0 of 1") {
		t.Errorf("unexpected error %v", err)
	}
	if verified[0].Status != StatusRecovered {
		t.Errorf("status = %s, expected untouched %s", verified[0].Status, StatusRecovered)
	}
}
