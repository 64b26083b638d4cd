// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/waterlevel/config"
	"github.com/gomlx/waterlevel/pipeline"
	"github.com/gomlx/waterlevel/trainer"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "12", Dark: "86"})
	warningStyle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"})
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	cellStyle = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerRowStyle
			}
			if col == 0 {
				return cellStyle.Align(lipgloss.Left)
			}
			return cellStyle.Align(lipgloss.Right)
		})
}

// renderReport returns the final summary of a training run.
func renderReport(cfg config.Config, result *pipeline.Result) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Training run %s", result.RunID)))
	sb.WriteString("\n")
	if !result.Pretrained && cfg.PretrainedWeights {
		sb.WriteString(warningStyle.Render("WARNING: the backbone was trained from random initialization, accuracy will be lower."))
		sb.WriteString("\n")
	}

	summary := newTable("", "value")
	summary.Row("images", humanize.Comma(int64(result.NumImages)))
	summary.Row("training samples", humanize.Comma(int64(result.NumTrain)))
	summary.Row("validation samples", humanize.Comma(int64(result.NumValidation)))
	if h := result.History; h != nil && len(h.Records) > 0 {
		summary.Row("epochs run", fmt.Sprintf("%d + %d", len(h.PhaseRecords(trainer.PhaseHead)), len(h.PhaseRecords(trainer.PhaseFineTune))))
		summary.Row("best epoch", fmt.Sprintf("%s #%d", h.BestPhase, h.BestEpoch))
	}
	summary.Row("validation accuracy", fmt.Sprintf("%.2f%%", 100*result.ValAccuracy))
	summary.Row("validation loss", fmt.Sprintf("%.4f", result.ValLoss))
	sb.WriteString(summary.Render())
	sb.WriteString("\n")

	if result.Export != nil {
		method := "direct"
		if result.Export.UsedFallback {
			method = "via interchange directory"
		}
		sb.WriteString(titleStyle.Render(fmt.Sprintf("Exported to %s (%s)", result.Export.Dir, method)))
		sb.WriteString("\n")
		files := newTable("file", "size")
		for _, f := range result.Export.Files {
			files.Row(f.Path, humanize.Bytes(uint64(f.Size)))
		}
		sb.WriteString(files.Render())
		sb.WriteString("\n")
	}
	if result.SnapshotDir != "" {
		sb.WriteString(fmt.Sprintf("Final model snapshot: %s\n", result.SnapshotDir))
	}
	return sb.String()
}
