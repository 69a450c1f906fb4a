package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/grovetools/pipewatch/logging"
	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/grovetools/pipewatch/pkg/reconciler"
)

// ProjectOutput is the JSON shape printed by status and watch --json.
type ProjectOutput struct {
	Project  models.Project      `json:"project"`
	Files    []models.FileRecord `json:"files"`
	Logs     []models.LogEntry   `json:"logs"`
	Versions []models.Version    `json:"versions,omitempty"`
}

func printJSON(w io.Writer, m reconciler.Model) error {
	p := m.Project
	p.Status = m.Status
	data, err := json.MarshalIndent(ProjectOutput{
		Project:  p,
		Files:    m.Files,
		Logs:     m.Logs,
		Versions: m.Versions,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project to JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// printSummary renders the whole model. maxLogs limits the log tail; zero
// hides logs.
func printSummary(p *logging.PrettyLogger, m reconciler.Model, maxLogs int) {
	name := m.Project.Name
	if name == "" {
		name = m.ProjectID
	}
	p.Field("Project", fmt.Sprintf("%s (%s)", name, m.ProjectID))
	p.Status(m.Status)
	if len(m.Versions) > 0 {
		p.Field("Versions", len(m.Versions))
	}

	p.Blank()
	p.Field("Files", len(m.Files))
	p.Files(m.Files)

	if maxLogs > 0 && len(m.Logs) > 0 {
		p.Blank()
		p.Divider()
		logs := m.Logs
		if len(logs) > maxLogs {
			logs = logs[:maxLogs]
		}
		for i := len(logs) - 1; i >= 0; i-- {
			p.LogEntry(logs[i])
		}
	}
}

// logCursor prints each log entry once, oldest first, as the model grows.
// Entries are identified by timestamp; refreshes that reload the same
// entries print nothing.
type logCursor struct {
	since time.Time
	// count of already printed entries sharing the since timestamp
	atSince int
}

func (c *logCursor) print(p *logging.PrettyLogger, logs []models.LogEntry) int {
	printed := 0
	seenAtSince := 0
	for i := len(logs) - 1; i >= 0; i-- {
		e := logs[i]
		switch {
		case e.Timestamp.Before(c.since):
			continue
		case e.Timestamp.Equal(c.since):
			seenAtSince++
			if seenAtSince <= c.atSince {
				continue
			}
			c.atSince++
		default:
			c.since = e.Timestamp
			c.atSince = 1
			seenAtSince = 1
		}
		p.LogEntry(e)
		printed++
	}
	return printed
}

// skip marks every entry in logs as printed.
func (c *logCursor) skip(logs []models.LogEntry) {
	for _, e := range logs {
		switch {
		case e.Timestamp.After(c.since):
			c.since = e.Timestamp
			c.atSince = 1
		case e.Timestamp.Equal(c.since):
			c.atSince++
		}
	}
}
