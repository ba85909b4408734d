// Package cmd 包含 mimic CLI 工具的所有命令实现。
// 本文件实现输出格式化打印功能，支持 table、json、yaml 三种格式。
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Printer 是格式化输出的处理器。
type Printer struct {
	format string
	writer io.Writer
}

// NewPrinter 创建打印器，输出格式从 viper 配置中读取，默认 table。
func NewPrinter() *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{
		format: format,
		writer: os.Stdout,
	}
}

// PrintWorkflows 打印工作流列表。
func (p *Printer) PrintWorkflows(workflows []Workflow) error {
	switch p.format {
	case "json":
		return p.printJSON(workflows)
	case "yaml":
		return p.printYAML(workflows)
	default:
		return p.printWorkflowsTable(workflows)
	}
}

// PrintWorkflow 打印单个工作流详情。
func (p *Printer) PrintWorkflow(wf *Workflow) error {
	switch p.format {
	case "json":
		return p.printJSON(wf)
	case "yaml":
		return p.printYAML(wf)
	default:
		return p.printWorkflowDetail(wf)
	}
}

// PrintRuns 打印回放历史列表。
func (p *Printer) PrintRuns(runs []Run) error {
	switch p.format {
	case "json":
		return p.printJSON(runs)
	case "yaml":
		return p.printYAML(runs)
	default:
		return p.printRunsTable(runs)
	}
}

// PrintRun 打印单次回放详情（含逐步骤结果）。
func (p *Printer) PrintRun(run *Run) error {
	switch p.format {
	case "json":
		return p.printJSON(run)
	case "yaml":
		return p.printYAML(run)
	default:
		return p.printRunDetail(run)
	}
}

// printJSON 以 JSON 格式输出数据，2 空格缩进。
func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML 以 YAML 格式输出数据。
func (p *Printer) printYAML(v interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(v)
}

// printWorkflowsTable 以表格形式输出工作流列表。
func (p *Printer) printWorkflowsTable(workflows []Workflow) error {
	if len(workflows) == 0 {
		fmt.Fprintln(p.writer, "No workflows found.")
		return nil
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tVERSION\tSTEPS\tTRIGGER\tCREATED")

	for _, wf := range workflows {
		trigger := "-"
		if wf.Trigger != nil {
			trigger = wf.Trigger.Kind
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			wf.Name,
			wf.ID,
			wf.Version,
			len(wf.Steps),
			trigger,
			timeAgo(wf.CreatedAt),
		)
	}

	return w.Flush()
}

// printWorkflowDetail 以详细格式输出单个工作流。
func (p *Printer) printWorkflowDetail(wf *Workflow) error {
	fmt.Fprintf(p.writer, "Name:        %s\n", wf.Name)
	fmt.Fprintf(p.writer, "ID:          %s\n", wf.ID)
	if wf.Description != "" {
		fmt.Fprintf(p.writer, "Description: %s\n", wf.Description)
	}
	fmt.Fprintf(p.writer, "Version:     %d\n", wf.Version)
	fmt.Fprintf(p.writer, "Created:     %s\n", wf.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(p.writer, "Updated:     %s\n", wf.UpdatedAt.Format(time.RFC3339))
	if wf.Trigger != nil {
		switch wf.Trigger.Kind {
		case "cron":
			fmt.Fprintf(p.writer, "Trigger:     cron %q\n", wf.Trigger.Expr)
		case "event":
			fmt.Fprintf(p.writer, "Trigger:     event %s\n", wf.Trigger.Path)
		}
	}

	fmt.Fprintf(p.writer, "Steps:       %d\n", len(wf.Steps))
	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  #\tKIND\tDETAIL")
	for i, step := range wf.Steps {
		fmt.Fprintf(w, "  %d\t%s\t%s\n", i, step.Kind, stepDetail(step))
	}
	return w.Flush()
}

// printRunsTable 以表格形式输出回放历史。
func (p *Printer) printRunsTable(runs []Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(p.writer, "No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tVERSION\tTRIGGER\tSTEPS\tSTARTED\tDURATION")

	for _, run := range runs {
		duration := "-"
		if run.EndedAt != nil {
			duration = run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			run.ID,
			run.Status,
			run.WorkflowVersion,
			run.Trigger,
			len(run.StepOutcomes),
			timeAgo(run.StartedAt),
			duration,
		)
	}

	return w.Flush()
}

// printRunDetail 以详细格式输出单次回放及逐步骤结果。
func (p *Printer) printRunDetail(run *Run) error {
	fmt.Fprintf(p.writer, "Run:       %s\n", run.ID)
	fmt.Fprintf(p.writer, "Workflow:  %s (v%d)\n", run.WorkflowName, run.WorkflowVersion)
	fmt.Fprintf(p.writer, "Status:    %s\n", run.Status)
	fmt.Fprintf(p.writer, "Trigger:   %s\n", run.Trigger)
	fmt.Fprintf(p.writer, "Started:   %s\n", run.StartedAt.Format(time.RFC3339))
	if run.EndedAt != nil {
		fmt.Fprintf(p.writer, "Duration:  %s\n", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Fprintf(p.writer, "Error:     %s\n", run.Error)
	}

	if len(run.StepOutcomes) > 0 {
		fmt.Fprintln(p.writer, "Steps:")
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  #\tKIND\tOUTCOME\tATTEMPTS\tCONFIDENCE\tERROR")
		for _, so := range run.StepOutcomes {
			confidence := "-"
			if so.Confidence > 0 {
				confidence = fmt.Sprintf("%.2f", so.Confidence)
			}
			fmt.Fprintf(w, "  %d\t%s\t%s\t%d\t%s\t%s\n",
				so.Index, so.Kind, so.Outcome, so.Attempts, confidence, so.Error)
		}
		return w.Flush()
	}
	return nil
}

// stepDetail 返回步骤的一行摘要。
func stepDetail(step Step) string {
	switch step.Kind {
	case "type-text":
		return fmt.Sprintf("%q", step.Text)
	case "key-combo":
		if len(step.Modifiers) > 0 {
			return fmt.Sprintf("%v+%s", step.Modifiers, step.Key)
		}
		return step.Key
	case "wait":
		return fmt.Sprintf("%dms", step.WaitMs)
	case "launch-app":
		return step.App
	case "branch-on-condition":
		return fmt.Sprintf("skip %d if absent", step.SkipCount)
	default:
		return ""
	}
}

// timeAgo 返回相对时间描述，如 "3h ago"。
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
