// Package reporting turns a batch of finished runs' task_results.json
// files into a human-readable terminal table or a CSV export — the
// non-Excel half of the original ReportService's output (the `.xlsx`
// writer itself is out of scope; spec.md's Non-goals name "Excel/report
// generation" explicitly). It never touches a run while it's in
// progress: every field it reports is read back from the artifact
// internal/runlog already wrote.
package reporting

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/scenagent/mobiletaskctl/internal/runlog"
)

// Row is one run's reportable summary, the columns both RenderTable and
// WriteCSV emit.
type Row struct {
	JobID      string
	Goal       string
	Status     string
	Steps      int
	StartDTime string
}

// Load reads task_results.json from runDir and converts it to a Row
// labeled with jobID.
func Load(jobID, runDir string) (Row, error) {
	data, err := os.ReadFile(filepath.Join(runDir, "task_results.json"))
	if err != nil {
		return Row{}, fmt.Errorf("reporting: read task_results.json: %w", err)
	}
	var tr runlog.TaskResults
	if err := json.Unmarshal(data, &tr); err != nil {
		return Row{}, fmt.Errorf("reporting: parse task_results.json: %w", err)
	}
	return Row{
		JobID:      jobID,
		Goal:       tr.Goal,
		Status:     tr.TaskStatus,
		Steps:      tr.ExecutionSteps,
		StartDTime: tr.StartDTime,
	}, nil
}

// LoadAll reads one Row per job ID under artifactRoot, skipping jobs whose
// task_results.json isn't there yet (still running, or never got that
// far) rather than failing the whole batch.
func LoadAll(artifactRoot string, jobIDs []string) []Row {
	rows := make([]Row, 0, len(jobIDs))
	for _, id := range jobIDs {
		row, err := Load(id, filepath.Join(artifactRoot, id))
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

var columns = []string{"JOB ID", "GOAL", "STATUS", "STEPS", "STARTED"}

// RenderTable writes a column-aligned text table to w. Column widths are
// measured with runewidth.StringWidth rather than len/utf8.RuneCountInString
// so goals containing full-width (e.g. CJK) characters still line up —
// the same display-width concern the teacher's own go-runewidth dependency
// exists for, just applied to report rows instead of REPL line-editing.
func RenderTable(w io.Writer, rows []Row) error {
	cells := make([][]string, 0, len(rows)+1)
	cells = append(cells, columns)
	for _, r := range rows {
		cells = append(cells, []string{r.JobID, r.Goal, r.Status, strconv.Itoa(r.Steps), r.StartDTime})
	}

	widths := make([]int, len(columns))
	for _, row := range cells {
		for i, cell := range row {
			if wd := runewidth.StringWidth(cell); wd > widths[i] {
				widths[i] = wd
			}
		}
	}

	for _, row := range cells {
		var b strings.Builder
		for i, cell := range row {
			b.WriteString(cell)
			b.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell)+2))
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(b.String(), " ")); err != nil {
			return err
		}
	}
	return nil
}

// WriteCSV writes rows as CSV, the tabular export format this module
// supports in place of the original's `.xlsx` writer.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.JobID, r.Goal, r.Status, strconv.Itoa(r.Steps), r.StartDTime}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
