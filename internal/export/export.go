// Package export writes a batch's results to disk: one markdown file per
// finished job and an optional xlsx summary.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

const summarySheet = "Summary"

// SafeName replaces every rune that is not a letter, digit, '_' or '-' with '_'.
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "result"
	}
	return b.String()
}

// Written describes one exported file.
type Written struct {
	JobID      string
	PromptName string
	Path       string
}

// WriteMarkdown writes <safe prompt name>.md into dir for every finished job.
// Jobs in any other status are skipped and counted. Names that collide after
// sanitizing get a numeric suffix.
func WriteMarkdown(dir string, jobs []*models.Job) ([]Written, int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("create output dir: %w", err)
	}

	sorted := append([]*models.Job(nil), jobs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PromptName < sorted[j].PromptName })

	var (
		out     []Written
		skipped int
		used    = map[string]int{}
	)
	for _, j := range sorted {
		if j.Status != models.JobStatusFinished || j.ResultText == nil {
			skipped++
			continue
		}
		base := SafeName(j.PromptName)
		used[base]++
		if n := used[base]; n > 1 {
			base = fmt.Sprintf("%s_%d", base, n)
		}
		path := filepath.Join(dir, base+".md")
		if err := os.WriteFile(path, []byte(*j.ResultText), 0o644); err != nil {
			return out, skipped, fmt.Errorf("write %s: %w", path, err)
		}
		out = append(out, Written{JobID: j.JobID, PromptName: j.PromptName, Path: path})
	}
	return out, skipped, nil
}

// SummaryXLSX renders one row per job: prompt, status, token counts and error.
func SummaryXLSX(batchID string, jobs []*models.Job) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}

	headers := []string{"Prompt", "Status", "Prompt Tokens", "Completion Tokens", "Total Tokens", "Error", "Job ID"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(summarySheet, cell, h)
	}

	sorted := append([]*models.Job(nil), jobs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PromptName < sorted[j].PromptName })

	row := 2
	for _, j := range sorted {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(summarySheet, cell, v)
		}
		write(1, j.PromptName)
		write(2, j.Status)
		write(3, intOrBlank(j.PromptTokens))
		write(4, intOrBlank(j.CompletionTokens))
		write(5, intOrBlank(j.TotalTokens))
		if j.ErrorMessage != nil {
			write(6, *j.ErrorMessage)
		}
		write(7, j.JobID)
		row++
	}

	_ = f.SetColWidth(summarySheet, "A", "A", 32)
	_ = f.SetColWidth(summarySheet, "B", "B", 12)
	_ = f.SetColWidth(summarySheet, "C", "E", 16)
	_ = f.SetColWidth(summarySheet, "F", "F", 60)
	_ = f.SetColWidth(summarySheet, "G", "G", 40)
	if batchID != "" {
		_ = f.SetDocProps(&excelize.DocProperties{Title: "Batch " + batchID})
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func intOrBlank(p *int) any {
	if p == nil {
		return ""
	}
	return *p
}
