package appstats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

type StatsFileOutput struct {
	SessionStats   *SessionStats `json:"sessionStats"`
	StatsTimestamp int64         `json:"statsTimestamp"`
}

type StatsFileWriter struct {
	fileMode os.FileMode
}

func NewStatsFileWriter(fileMode os.FileMode) *StatsFileWriter {
	return &StatsFileWriter{
		fileMode: fileMode,
	}
}

// StatsFilePath maps a recording path to its sidecar, "<name>-stats.json".
func StatsFilePath(artifactPath string) string {
	return fmt.Sprintf("%s-stats.json", strings.TrimSuffix(artifactPath, filepath.Ext(artifactPath)))
}

func (w *StatsFileWriter) WriteStats(artifactPath string, stats *StatsFileOutput) (string, error) {
	statsFilePath := StatsFilePath(artifactPath)

	jsonData, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return "", fmt.Errorf("JSON marshalling failed: %w", err)
	}

	if err := os.WriteFile(statsFilePath, jsonData, w.fileMode); err != nil {
		return "", fmt.Errorf("failed to write stats file: %w", err)
	}

	log.WithField("path", statsFilePath).
		WithField("stats", string(jsonData)).
		Tracef("Wrote session stats to file")

	return statsFilePath, nil
}
