package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// WriteArtifacts writes report.json for every run, timings.json when timings
// were recorded, and failure.json when the run failed. It returns the run directory.
func WriteArtifacts(dir string, r *Run) (string, error) {
	runDir := filepath.Join(dir, r.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	if err := writeJSONFile(filepath.Join(runDir, "report.json"), r); err != nil {
		return "", err
	}
	if len(r.Timings) > 0 {
		if err := writeJSONFile(filepath.Join(runDir, "timings.json"), r.Timings); err != nil {
			return "", err
		}
	}
	if r.Failure != nil {
		payload := struct {
			*Failure
			RunID  string        `json:"run_id"`
			Suite  string        `json:"suite"`
			Phases []PhaseResult `json:"phase_log"`
		}{Failure: r.Failure, RunID: r.RunID, Suite: r.Suite, Phases: r.Phases}
		if err := writeJSONFile(filepath.Join(runDir, "failure.json"), payload); err != nil {
			return "", err
		}
	}

	slog.Info("report: artifacts written", "dir", runDir, "failed", r.Failure != nil)
	return runDir, nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
