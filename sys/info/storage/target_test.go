package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMatchTarget(t *testing.T) {
	t.Parallel()
	targets := []ScanTarget{
		{Path: `C:\`, Kind: KindFixed},
		{Path: `D:\`, Kind: KindRemovable},
		{Path: `\\.\PhysicalDrive0`, Kind: KindPhysicalDrive},
		{Path: "/dev/sda", Kind: KindPhysicalDrive},
		{Path: "/dev/sda2", Kind: KindFixed, MountPath: "/"},
		{Path: "/dev/sdb1", Kind: KindFixed, MountPath: "/mnt/data"},
	}
	cases := []struct {
		name     string
		path     string
		wantPath string
		wantOK   bool
	}{
		{"exact device", "/dev/sda", "/dev/sda", true},
		{"exact raw drive", `\\.\PhysicalDrive0`, `\\.\PhysicalDrive0`, true},
		{"case insensitive drive root", `c:\`, `C:\`, true},
		{"drive letter fallback", `C:\Users\nobody\Pictures`, `C:\`, true},
		{"drive letter fallback lower", `d:\camera`, `D:\`, true},
		{"drive letter miss", `Z:\foo`, "", false},
		{"mount prefix", "/mnt/data/photos/2024", "/dev/sdb1", true},
		{"longest mount prefix wins", "/mnt/data/x", "/dev/sdb1", true},
		{"prefix respects path boundary", "/mnt/database", "/dev/sda2", true},
		{"root mount fallback", "/var/tmp/dump", "/dev/sda2", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			got, ok := matchTarget(c.path, targets)
			if ok != c.wantOK {
				t.Fatalf("matchTarget(%q) ok=%v, want %v", c.path, ok, c.wantOK)
			}
			if ok && got.Path != c.wantPath {
				t.Errorf("matchTarget(%q) path=%q, want %q", c.path, got.Path, c.wantPath)
			}
		})
	}
}

func TestMatchTargetEmptyList(t *testing.T) {
	t.Parallel()
	if _, ok := matchTarget("/dev/sda", nil); ok {
		t.Error("matchTarget on empty target list should miss")
	}
}

func TestProbeReadable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	full := filepath.Join(dir, "filled.bin")
	if err := os.WriteFile(full, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		path string
		want bool
	}{
		{"directory", dir, true},
		{"regular file", full, true},
		{"empty file", empty, true},
		{"missing path", filepath.Join(dir, "nope"), false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if got := ProbeReadable(c.path); got != c.want {
				t.Errorf("ProbeReadable(%s)=%v, want %v", c.path, got, c.want)
			}
		})
	}
}

func TestEncodeTargets(t *testing.T) {
	t.Parallel()
	targets := []ScanTarget{
		{
			Path:           "/dev/sda",
			Label:          "Physical Disk sda",
			Filesystem:     "Raw Disk",
			SizeBytes:      64 << 30,
			Kind:           KindPhysicalDrive,
			Model:          "Samsung SSD 870",
			PartitionStyle: "GPT",
			Readable:       true,
		},
		{
			Path:       "/dev/sda1",
			Label:      "rootfs",
			Filesystem: "ext4",
			SizeBytes:  63 << 30,
			FreeBytes:  10 << 30,
			Kind:       KindFixed,
			MountPath:  "/",
			Readable:   true,
		},
	}
	out, err := encodeTargets(targets)
	if err != nil {
		t.Fatalf("encodeTargets: %v", err)
	}
	if !strings.Contains(out, "\t") {
		t.Error("encodeTargets output is not indented")
	}
	var decoded []ScanTarget
	if err = json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("encodeTargets produced invalid json: %v", err)
	}
	if len(decoded) != len(targets) {
		t.Fatalf("decoded %d targets, want %d", len(decoded), len(targets))
	}
	if decoded[0].Kind != KindPhysicalDrive || decoded[0].PartitionStyle != "GPT" {
		t.Errorf("first target mismatch: %+v", decoded[0])
	}
	if decoded[1].FreeBytes != 10<<30 || decoded[1].MountPath != "/" {
		t.Errorf("second target mismatch: %+v", decoded[1])
	}
}
