package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/kisun-bit/carvepkg/disk/carve"
	"github.com/kisun-bit/carvepkg/recovery"
	"github.com/kisun-bit/carvepkg/report"
	"github.com/kisun-bit/carvepkg/sys/info/storage"
	"github.com/kisun-bit/carvepkg/util"
	"github.com/kisun-bit/carvepkg/util/basic"
	"github.com/kisun-bit/carvepkg/util/logger"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"go.uber.org/zap"
)

var (
	flagList      = flag.Bool("list", false, "list scan targets and exit")
	flagJSON      = flag.Bool("json", false, "with -list, print the target list as JSON")
	flagTarget    = flag.String("target", "", "scan target: device path, logical drive, image file or directory")
	flagOut       = flag.String("out", "", "output directory for recovered files")
	flagMode      = flag.String("mode", "raw", "scan mode: raw (signature carving) or existing (copy existing image files)")
	flagBlockSize = flag.Int("block-size", carve.DefaultBlockSize, "scan block size in bytes")
	flagDedupe    = flag.Bool("dedupe", true, "skip duplicate files by content digest in existing mode")
	flagPProf     = flag.Int("pprof-port", 0, "serve pprof on this port when positive")
	flagVerbose   = flag.Bool("v", false, "enable debug logging")
)

// parseMode 将命令行的模式标记映射为扫描模式.
func parseMode(s string) (recovery.Mode, error) {
	switch strings.ToLower(s) {
	case "raw":
		return recovery.ModeRawRecovery, nil
	case "existing":
		return recovery.ModeExistingImages, nil
	}
	return "", errors.Errorf("unknown mode `%s`, expected raw or existing", s)
}

// resolveScanTarget 将-target解析为扫描目标, 枚举未命中时回退为合成目标.
// 原始恢复模式接受设备, 逻辑卷与镜像文件; 已有文件模式还接受任意目录.
func resolveScanTarget(path string, mode recovery.Mode) (storage.ScanTarget, error) {
	tgt, rerr := storage.ResolveTarget(path)
	if rerr == nil {
		return tgt, nil
	}
	fi, serr := os.Stat(path)
	if serr != nil {
		return storage.ScanTarget{}, rerr
	}
	if fi.IsDir() {
		if mode != recovery.ModeExistingImages {
			return storage.ScanTarget{}, errors.Errorf("directory target %s requires `-mode existing`", path)
		}
		return storage.ScanTarget{
			Path:     path,
			Kind:     storage.KindUnknown,
			Readable: storage.ProbeReadable(path),
		}, nil
	}
	// 普通镜像文件就是一条原始字节流, 可直接雕复.
	return storage.ScanTarget{
		Path:       path,
		Label:      filepath.Base(path),
		Filesystem: "Raw Image",
		SizeBytes:  uint64(fi.Size()),
		Kind:       storage.KindUnknown,
		Readable:   storage.ProbeReadable(path),
	}, nil
}

// runList 列举可扫描目标并输出为表格或JSON.
func runList(asJSON bool) int {
	if asJSON {
		out, err := storage.TargetsJSON()
		if err != nil {
			logger.Errorf("failed to list scan targets: %v", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}
	targets, err := storage.ListTargets()
	if err != nil {
		logger.Errorf("failed to list scan targets: %v", err)
		return 1
	}
	rows := pterm.TableData{
		{"Path", "Label", "Filesystem", "Kind", "Size", "Free", "Mount", "Readable"},
	}
	for _, t := range targets {
		rows = append(rows, []string{
			t.Path,
			t.Label,
			t.Filesystem,
			string(t.Kind),
			humanize.IBytes(t.SizeBytes),
			humanize.IBytes(t.FreeBytes),
			t.MountPath,
			fmt.Sprintf("%v", t.Readable),
		})
	}
	if err = pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(rows).Render(); err != nil {
		logger.Errorf("failed to render target table: %v", err)
		return 1
	}
	return 0
}

// runScan 执行一次扫描会话, 以进度条渲染会话事件并输出结果汇总.
func runScan(tgt storage.ScanTarget, outDir string, mode recovery.Mode, blockSize int, dedupe bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := []recovery.SessionOption{
		recovery.WithReportFunc(report.Generate),
		recovery.WithDedupe(dedupe),
	}
	if blockSize > 0 {
		opts = append(opts, recovery.WithBlockSize(blockSize))
	}
	session := recovery.NewScanSession(tgt, outDir, mode, opts...)

	bar, _ := pterm.DefaultProgressbar.
		WithTotal(100).
		WithTitle(fmt.Sprintf("%s on %s", mode, tgt.Path)).
		Start()
	uiDone := make(chan struct{})
	go func() {
		defer close(uiDone)
		rendered := 0
		for ev := range session.Events() {
			if ev.Message != "" {
				bar.UpdateTitle(ev.Message)
			}
			if ev.Percent > rendered {
				bar.Add(ev.Percent - rendered)
				rendered = ev.Percent
			}
		}
	}()

	result, err := session.Run(ctx)
	<-uiDone
	_, _ = bar.Stop()

	if err != nil {
		logger.Errorf("scan failed: %v", err)
		pterm.Error.Printf("Scan failed: %v\n", err)
		if result != nil && len(result.Records) > 0 {
			// 中途失败时已产出的文件仍然有效, 照常汇总.
			printSummary(result)
		}
		return 1
	}
	printSummary(result)
	return 0
}

// printSummary 输出结果汇总与报告路径.
func printSummary(result *recovery.Result) {
	var ok, corrupted, copied int
	var total uint64
	for _, rec := range result.Records {
		total += uint64(rec.Size)
		switch {
		case rec.Status == carve.StatusOK:
			ok++
		case rec.Status.Corrupted():
			corrupted++
		case rec.Status == carve.StatusCopied:
			copied++
		}
	}
	pterm.Println()
	rows := pterm.TableData{
		{"Total Files", fmt.Sprintf("%d", len(result.Records))},
		{"Successfully Recovered", fmt.Sprintf("%d", ok)},
		{"Corrupted Files", fmt.Sprintf("%d", corrupted)},
		{"Existing Files Copied", fmt.Sprintf("%d", copied)},
		{"Total Data Size", humanize.IBytes(total)},
		{"Output Directory", result.OutputDir},
	}
	if result.ReportPath != "" {
		rows = append(rows, []string{"Report", result.ReportPath})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
}

func main() {
	flag.Parse()
	if *flagVerbose {
		logger.SetupDefaultLogger(logger.NewLogger("rawcarve", zap.DebugLevel))
	}
	if *flagPProf > 0 {
		go basic.StartPProfServe(*flagPProf)
	}
	if *flagList {
		os.Exit(runList(*flagJSON))
	}

	target := util.ExpandEnv(*flagTarget)
	outDir := util.ExpandEnv(*flagOut)
	if target == "" || outDir == "" {
		fmt.Fprintln(os.Stderr, "both -target and -out are required")
		flag.Usage()
		os.Exit(2)
	}
	mode, err := parseMode(*flagMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	tgt, err := resolveScanTarget(target, mode)
	if err != nil {
		logger.Errorf("failed to resolve scan target %s: %v", target, err)
		os.Exit(1)
	}
	if !tgt.Readable {
		pterm.Warning.Printf("Target %s failed the read probe, scanning may require elevated privileges\n", tgt.Path)
	}
	os.Exit(runScan(tgt, outDir, mode, *flagBlockSize, *flagDedupe))
}
