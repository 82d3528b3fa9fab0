// Package report 生成恢复结果报告.
//
// HTML报告为主要形态, 写出失败时降级为同名的纯文本报告.
// 报告中的状态字面量与统计口径对既有使用方可见, 不可改动.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kisun-bit/carvepkg/disk/carve"
	"github.com/kisun-bit/carvepkg/util/logger"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/tidwall/sjson"
)

// Generate 依据恢复记录生成HTML报告, 返回实际写出的报告路径.
//
// HTML写出失败时在同目录降级写出扩展名为txt的文本报告;
// 两者均失败才返回错误.
func Generate(records []carve.CarveRecord, reportPath, scanType, targetPath string) (string, error) {
	logger.Infof("Generating report to %s", reportPath)

	data := reportData{
		Summary: buildSummary(records, scanType, targetPath),
		System:  systemRows(),
		Rows:    buildRows(records),
	}
	if err := writeHTML(reportPath, data); err != nil {
		logger.Errorf("Error generating report: %v", err)
		textPath := strings.TrimSuffix(reportPath, filepath.Ext(reportPath)) + ".txt"
		if e := writeText(textPath, data); e != nil {
			return "", e
		}
		return textPath, nil
	}
	logger.Infof("Report generated successfully: %s", reportPath)
	return reportPath, nil
}

// RecordsJSON 将恢复记录导出为带缩进的JSON数组, 供程序化消费.
func RecordsJSON(records []carve.CarveRecord) (string, error) {
	json_ := "[]"
	var err error
	for _, r := range records {
		item := map[string]any{
			"path":   r.Path,
			"type":   string(r.Type),
			"size":   r.Size,
			"size_h": humanize.IBytes(uint64(r.Size)),
			"status": r.Status.String(),
		}
		if r.OriginalPath != "" {
			item["original_path"] = r.OriginalPath
		}
		if r.Hash != "" {
			item["hash"] = r.Hash
		}
		if json_, err = sjson.Set(json_, "-1", item); err != nil {
			return "", errors.Wrap(err, "RecordsJSON set")
		}
	}
	var pretty bytes.Buffer
	if err = json.Indent(&pretty, []byte(json_), "", "\t"); err != nil {
		return "", errors.Wrap(err, "RecordsJSON indent")
	}
	return pretty.String(), nil
}

// reportData 模板渲染所需的全部数据.
type reportData struct {
	Summary summary
	System  []systemRow
	Rows    []fileRow
}

// summary 报告头部的统计信息.
type summary struct {
	Timestamp      string
	ScanType       string
	TargetPath     string
	TotalFiles     int
	OKFiles        int
	CorruptedFiles int
	CopiedFiles    int
	TotalSize      string
}

func buildSummary(records []carve.CarveRecord, scanType, targetPath string) summary {
	s := summary{
		Timestamp:  time.Now().Format("2006-01-02 15:04:05"),
		ScanType:   scanType,
		TargetPath: targetPath,
		TotalFiles: len(records),
	}
	var totalSize int64
	for _, r := range records {
		switch {
		case r.Status == carve.StatusOK:
			s.OKFiles++
		case r.Status.Corrupted():
			s.CorruptedFiles++
		case r.Status == carve.StatusCopied:
			s.CopiedFiles++
		}
		totalSize += r.Size
	}
	s.TotalSize = formatSize(totalSize)
	return s
}

// systemRow 系统信息表的一行.
type systemRow struct {
	Item  string
	Value string
}

// systemRows 采集主机概要, 单项失败时以Unknown占位.
func systemRows() []systemRow {
	osDesc, machine, processor, ram := "Unknown", "Unknown", "Unknown", "Unknown"
	if inf, err := host.Info(); err == nil {
		osDesc = strings.TrimSpace(fmt.Sprintf("%s %s", inf.Platform, inf.PlatformVersion))
		machine = inf.KernelArch
	} else {
		logger.Warnf("report host info: %v", err)
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		processor = infos[0].ModelName
	} else if err != nil {
		logger.Warnf("report cpu info: %v", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ram = formatSize(int64(vm.Total))
	} else {
		logger.Warnf("report memory info: %v", err)
	}
	return []systemRow{
		{"Operating System", osDesc},
		{"Machine", machine},
		{"Processor", processor},
		{"Total RAM", ram},
	}
}

// fileRow 文件明细表的一行.
type fileRow struct {
	Index       int
	Name        string
	Type        string
	Size        string
	Status      string
	StatusClass string
	Hash        string
}

func buildRows(records []carve.CarveRecord) []fileRow {
	rows := make([]fileRow, 0, len(records))
	for i, r := range records {
		row := fileRow{
			Index:  i + 1,
			Name:   r.FileName(),
			Type:   string(r.Type),
			Size:   formatSize(r.Size),
			Status: r.Status.String(),
			Hash:   r.Hash,
		}
		if row.Type == "" {
			row.Type = "Unknown"
		}
		if row.Hash == "" {
			row.Hash = "N/A"
		}
		switch {
		case r.Status == carve.StatusOK:
			row.StatusClass = "status-ok"
		case r.Status.Corrupted():
			row.StatusClass = "status-corrupted"
		case r.Status == carve.StatusCopied:
			row.StatusClass = "status-copied"
		}
		rows = append(rows, row)
	}
	return rows
}

func writeHTML(path string, data reportData) error {
	var buf bytes.Buffer
	if err := htmlReport.Execute(&buf, data); err != nil {
		return errors.Wrap(err, "writeHTML execute")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "writeHTML WriteFile(%s)", path)
	}
	return nil
}

// writeText 文本降级报告, 仅保留统计与文件清单.
func writeText(path string, data reportData) error {
	var b strings.Builder
	b.WriteString("Image Recovery Report\n")
	fmt.Fprintf(&b, "Date/Time: %s\n", data.Summary.Timestamp)
	fmt.Fprintf(&b, "Scan Type: %s\n", data.Summary.ScanType)
	fmt.Fprintf(&b, "Target Path: %s\n", data.Summary.TargetPath)
	fmt.Fprintf(&b, "Total Files: %d\n", data.Summary.TotalFiles)
	fmt.Fprintf(&b, "Successfully Recovered: %d\n", data.Summary.OKFiles)
	fmt.Fprintf(&b, "Corrupted Files: %d\n", data.Summary.CorruptedFiles)
	fmt.Fprintf(&b, "Total Data Size: %s\n\n", data.Summary.TotalSize)
	b.WriteString("File List:\n")
	for _, row := range data.Rows {
		fmt.Fprintf(&b, "%d. %s - %s - %s - %s\n", row.Index, row.Name, row.Type, row.Size, row.Status)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrapf(err, "writeText WriteFile(%s)", path)
	}
	return nil
}

// formatSize 以原有报告的定宽两位小数格式渲染字节数, 1024进制.
func formatSize(n int64) string {
	if n == 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", size, units[i])
}

var htmlReport = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Image Recovery Report</title>
    <style>
        body {
            font-family: Arial, sans-serif;
            line-height: 1.6;
            color: #333;
            max-width: 1200px;
            margin: 0 auto;
            padding: 20px;
        }
        h1, h2, h3 {
            color: #2c3e50;
        }
        table {
            width: 100%;
            border-collapse: collapse;
            margin-bottom: 20px;
        }
        th, td {
            border: 1px solid #ddd;
            padding: 8px;
            text-align: left;
        }
        th {
            background-color: #f2f2f2;
        }
        tr:nth-child(even) {
            background-color: #f9f9f9;
        }
        .summary {
            background-color: #f8f9fa;
            padding: 15px;
            border-radius: 5px;
            margin-bottom: 20px;
        }
        .status-ok {
            color: green;
        }
        .status-corrupted {
            color: red;
        }
        .status-copied {
            color: blue;
        }
    </style>
</head>
<body>
    <h1>Image Recovery Report</h1>

    <div class="summary">
        <h2>Summary</h2>
        <p><strong>Date/Time:</strong> {{.Summary.Timestamp}}</p>
        <p><strong>Scan Type:</strong> {{.Summary.ScanType}}</p>
        <p><strong>Target Path:</strong> {{.Summary.TargetPath}}</p>
        <p><strong>Total Files:</strong> {{.Summary.TotalFiles}}</p>
        <p><strong>Successfully Recovered:</strong> {{.Summary.OKFiles}}</p>
        <p><strong>Corrupted Files:</strong> {{.Summary.CorruptedFiles}}</p>
        <p><strong>Existing Files Copied:</strong> {{.Summary.CopiedFiles}}</p>
        <p><strong>Total Data Size:</strong> {{.Summary.TotalSize}}</p>
    </div>

    <h2>System Information</h2>
    <table>
        <tr>
            <th>Item</th>
            <th>Value</th>
        </tr>
{{- range .System}}
        <tr>
            <td>{{.Item}}</td>
            <td>{{.Value}}</td>
        </tr>
{{- end}}
    </table>

    <h2>Recovered Files</h2>
    <table>
        <tr>
            <th>#</th>
            <th>File Name</th>
            <th>Type</th>
            <th>Size</th>
            <th>Status</th>
            <th>Hash</th>
        </tr>
{{- range .Rows}}
        <tr>
            <td>{{.Index}}</td>
            <td>{{.Name}}</td>
            <td>{{.Type}}</td>
            <td>{{.Size}}</td>
            <td class="{{.StatusClass}}">{{.Status}}</td>
            <td>{{.Hash}}</td>
        </tr>
{{- end}}
    </table>

    <p><em>Report generated by Image Recovery Tool</em></p>
</body>
</html>
`))
