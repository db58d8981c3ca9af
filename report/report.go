// Package report persists and renders run reports. The journal is the
// durable record of every run: it is written before notification
// delivery status can matter, so operators can inspect a run even when
// the chat transport was down.
package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/hrfmtzk/mail-digest/model"
)

// Journal appends one JSONL record per run under the state directory.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal creates the state directory if needed and returns a
// journal writing to runs.jsonl inside it.
func NewJournal(stateDir string) (*Journal, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Journal{path: filepath.Join(stateDir, "runs.jsonl")}, nil
}

// Append writes one run report record. Each run appends exactly once,
// so the file is opened per call rather than held open.
func (j *Journal) Append(r *model.RunReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Load returns up to limit most recent run reports, oldest first.
func (j *Journal) Load(limit int) ([]model.RunReport, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var reports []model.RunReport
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var r model.RunReport
		if err := json.Unmarshal(text, &r); err != nil {
			return nil, fmt.Errorf("parse journal line %d: %w", line, err)
		}
		reports = append(reports, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	if limit > 0 && len(reports) > limit {
		reports = reports[len(reports)-limit:]
	}
	return reports, nil
}

// Render prints recent run reports as a table.
func Render(reports []model.RunReport) error {
	if len(reports) == 0 {
		pterm.Info.Println("No runs recorded yet")
		return nil
	}

	data := pterm.TableData{
		{"Run", "Window", "Status", "Candidates", "Succeeded", "Skipped", "Failed", "Delivery"},
	}
	for _, r := range reports {
		data = append(data, []string{
			shortID(r.RunID),
			r.Window.Start.Format("2006-01-02"),
			string(r.Status),
			fmt.Sprintf("%d", r.Candidates),
			fmt.Sprintf("%d", r.Succeeded),
			fmt.Sprintf("%d", r.Skipped),
			fmt.Sprintf("%d", r.Failed()),
			string(r.Delivery.Status),
		})
	}

	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
