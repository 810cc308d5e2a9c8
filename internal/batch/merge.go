package batch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

const sectionDivider = "----------------------------------------"

// BuildMergedJob renders the finished jobs of a batch into one document and
// returns it as the batch's merged job row. It returns nil when no job is
// finished. Sections are ordered by prompt name.
func BuildMergedJob(b *models.BatchStatus, jobs []*models.Job, at time.Time) *models.Job {
	var finished []*models.Job
	for _, j := range jobs {
		if j.Status == models.JobStatusFinished && !j.IsMerged() {
			finished = append(finished, j)
		}
	}
	if len(finished) == 0 {
		return nil
	}
	sort.SliceStable(finished, func(i, k int) bool {
		return finished[i].PromptName < finished[k].PromptName
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Merged Documentation\n\n")
	fmt.Fprintf(&sb, "Batch: %s\n", b.BatchID)
	fmt.Fprintf(&sb, "Generated: %s\n", at.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Sections: %d\n\n", len(finished))

	var prompt, completion, total int
	for _, j := range finished {
		fmt.Fprintf(&sb, "## %s\n%s\n\n", j.PromptName, sectionDivider)
		if j.ResultText != nil {
			sb.WriteString(*j.ResultText)
		}
		sb.WriteString("\n\n")
		prompt += deref(j.PromptTokens)
		completion += deref(j.CompletionTokens)
		total += deref(j.TotalTokens)
	}

	first := finished[0]
	fmt.Fprintf(&sb, "%s\n## Statistics\n\n", sectionDivider)
	fmt.Fprintf(&sb, "Prompt tokens: %d\n", prompt)
	fmt.Fprintf(&sb, "Completion tokens: %d\n", completion)
	fmt.Fprintf(&sb, "Total tokens: %d\n", total)
	fmt.Fprintf(&sb, "AI model: %s\n", first.AIModel)
	fmt.Fprintf(&sb, "Model: %s\n", first.Model)

	text := sb.String()
	batchID := b.BatchID
	completedAt := at.UTC()
	return &models.Job{
		JobID:            models.MergedJobID(b.BatchID),
		BatchID:          &batchID,
		AIModel:          first.AIModel,
		Model:            first.Model,
		PromptName:       models.MergedPromptName,
		RequestCode:      first.RequestCode,
		ResultText:       &text,
		PromptTokens:     &prompt,
		CompletionTokens: &completion,
		TotalTokens:      &total,
		Status:           models.JobStatusFinished,
		CreatedAt:        completedAt,
		CompletedAt:      &completedAt,
	}
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
