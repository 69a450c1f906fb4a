package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// RandomString generates a random string of the specified length
func RandomString(length int) string {
	bytes := make([]byte, length/2+1)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return hex.EncodeToString(bytes)[:length]
}

// NewProjectID returns a unique project id for a test.
func NewProjectID() string {
	return "proj-" + RandomString(8)
}

// Project builds a project record in the given state.
func Project(id string, state models.PipelineState, progress int, message string) models.Project {
	now := time.Now().UTC().Truncate(time.Second)
	return models.Project{
		ID:          id,
		Name:        "Test project " + id,
		Description: "generated for tests",
		Prompt:      "build a todo app",
		Status:      models.Status{State: state, Progress: progress, Message: message},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Files builds n file records for a project with ids f1..fn.
func Files(projectID string, n int) []models.FileRecord {
	files := make([]models.FileRecord, 0, n)
	for i := 1; i <= n; i++ {
		files = append(files, models.FileRecord{
			ID:        fmt.Sprintf("f%d", i),
			ProjectID: projectID,
			Path:      fmt.Sprintf("src/file%d.py", i),
			Language:  "python",
			Content:   fmt.Sprintf("# file %d\n", i),
		})
	}
	return files
}

// Log builds a log entry.
func Log(agent string, level models.LogLevel, message string) models.LogEntry {
	return models.LogEntry{
		Agent:     agent,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Step returns a pointer to s, for StatusEvent.CurrentStep.
func Step(s string) *string { return &s }

// DiscardLogger returns a logger that writes nowhere.
func DiscardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// WriteConfig writes a pipewatch.yml into dir and returns its path.
func WriteConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "pipewatch.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}
