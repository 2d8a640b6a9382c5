package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Report is the exported summary of one job.
type Report struct {
	JobID          string       `json:"job_id"`
	Name           string       `json:"name"`
	Status         JobStatus    `json:"status"`
	TotalTasks     int          `json:"total_tasks"`
	CompletedTasks int          `json:"completed_tasks"`
	FailedTasks    int          `json:"failed_tasks"`
	CancelledTasks int          `json:"cancelled_tasks"`
	ProcessingTime float64      `json:"processing_time"`
	Tasks          []TaskReport `json:"tasks"`
}

// TaskReport is one task's line in a Report. Times are in seconds.
type TaskReport struct {
	TaskID         string  `json:"task_id"`
	Type           Type    `json:"type"`
	Status         Status  `json:"status"`
	InputPath      string  `json:"input_path"`
	OutputPath     string  `json:"output_path"`
	ProcessingTime float64 `json:"processing_time"`
	FileSize       int64   `json:"file_size"`
	OutputFileSize int64   `json:"output_file_size"`
	ErrorMessage   string  `json:"error_message"`
}

func NewReport(v JobView, now time.Time) *Report {
	r := &Report{
		JobID:          v.ID,
		Name:           v.Name,
		Status:         v.Status,
		TotalTasks:     v.Total,
		CompletedTasks: v.Completed,
		FailedTasks:    v.Failed,
		CancelledTasks: v.Cancelled,
		ProcessingTime: v.ProcessingTime(now).Seconds(),
		Tasks:          make([]TaskReport, 0, len(v.Tasks)),
	}
	for i := range v.Tasks {
		t := &v.Tasks[i]
		r.Tasks = append(r.Tasks, TaskReport{
			TaskID:         t.ID,
			Type:           t.Type,
			Status:         t.Status,
			InputPath:      t.InputPath,
			OutputPath:     t.OutputPath,
			ProcessingTime: t.ProcessingTime().Seconds(),
			FileSize:       t.FileSize,
			OutputFileSize: t.OutputFileSize,
			ErrorMessage:   t.ErrorMessage,
		})
	}
	return r
}

// ReportFileName is the name a job's report is written under.
func ReportFileName(jobID string) string {
	return "job_" + jobID + ".json"
}

// WriteReport writes r into dir atomically and returns the file path.
func WriteReport(dir string, r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create result dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write report: %w", err)
	}
	path := filepath.Join(dir, ReportFileName(r.JobID))
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// Report builds the report of an in-memory job without writing it.
func (m *Manager) Report(jobID string) (*Report, error) {
	j, err := m.lookupJob(jobID)
	if err != nil {
		return nil, err
	}
	return NewReport(j.View(), m.now()), nil
}

// Export writes the job's report to RESULT_DIR and hands it to the report
// sink. A finished job is marked exported and becomes collectable.
func (m *Manager) Export(ctx context.Context, jobID string) (*Report, string, error) {
	j, err := m.lookupJob(jobID)
	if err != nil {
		return nil, "", err
	}
	v := j.View()
	r := NewReport(v, m.now())

	path, err := WriteReport(m.cfg.ResultDir, r)
	if err != nil {
		return nil, "", err
	}
	if m.sink != nil {
		if err := m.sink.SaveReport(ctx, r, path); err != nil {
			m.log.Error().Err(err).Str("job", jobID).Msg("failed to store report")
		}
	}
	if v.Status != JobRunning {
		j.mu.Lock()
		j.exported = true
		j.mu.Unlock()
	}
	m.log.Info().Str("job", jobID).Str("path", path).Msg("job report exported")
	return r, path, nil
}

// autoExport writes a report for every job as it finishes.
func (m *Manager) autoExport(ev JobEvent) {
	if ev.Type != EventJobFinished {
		return
	}
	if _, _, err := m.Export(context.Background(), ev.Job.ID); err != nil {
		m.log.Error().Err(err).Str("job", ev.Job.ID).Msg("auto export failed")
	}
}
