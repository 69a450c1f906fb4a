package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/grovetools/pipewatch/pkg/models"
	"github.com/muesli/termenv"
)

// PrettyLogger provides pretty formatted console output
type PrettyLogger struct {
	writer   io.Writer
	renderer *lipgloss.Renderer
	styles   PrettyStyles
}

// PrettyStyles contains lipgloss styles for different log types
type PrettyStyles struct {
	Success lipgloss.Style
	Info    lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Key     lipgloss.Style
	Value   lipgloss.Style
	Path    lipgloss.Style
	Muted   lipgloss.Style
}

// NewPrettyStyles builds the styles against a renderer so that color output
// follows the writer's capabilities.
func NewPrettyStyles(r *lipgloss.Renderer) PrettyStyles {
	return PrettyStyles{
		Success: r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true), // Green
		Info:    r.NewStyle().Foreground(lipgloss.Color("12")),            // Blue
		Warning: r.NewStyle().Foreground(lipgloss.Color("11")),            // Yellow
		Error:   r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),  // Red
		Key:     r.NewStyle().Foreground(lipgloss.Color("8")),             // Gray
		Value:   r.NewStyle().Foreground(lipgloss.Color("14")).Bold(true), // Cyan
		Path:    r.NewStyle().Foreground(lipgloss.Color("6")).Italic(true),
		Muted:   r.NewStyle().Faint(true),
	}
}

// NewPrettyLogger creates a pretty logger writing to stderr.
func NewPrettyLogger() *PrettyLogger {
	return NewPrettyLoggerTo(os.Stderr)
}

// NewPrettyLoggerTo creates a pretty logger writing to w.
func NewPrettyLoggerTo(w io.Writer) *PrettyLogger {
	r := lipgloss.NewRenderer(w)
	return &PrettyLogger{
		writer:   w,
		renderer: r,
		styles:   NewPrettyStyles(r),
	}
}

// WithPlain disables all color and text decoration.
func (p *PrettyLogger) WithPlain() *PrettyLogger {
	p.renderer.SetColorProfile(termenv.Ascii)
	p.styles = NewPrettyStyles(p.renderer)
	return p
}

// Success logs a success message with a checkmark
func (p *PrettyLogger) Success(message string) {
	fmt.Fprintf(p.writer, "%s %s\n",
		p.styles.Success.Render("✓"),
		p.styles.Success.Render(message))
}

// InfoPretty logs an info message with pretty formatting
func (p *PrettyLogger) InfoPretty(message string) {
	fmt.Fprintf(p.writer, "%s\n", p.styles.Info.Render(message))
}

// WarnPretty logs a warning with pretty formatting
func (p *PrettyLogger) WarnPretty(message string) {
	fmt.Fprintf(p.writer, "%s %s\n",
		p.styles.Warning.Render("⚠"),
		p.styles.Warning.Render(message))
}

// ErrorPretty logs an error with pretty formatting
func (p *PrettyLogger) ErrorPretty(message string, err error) {
	fmt.Fprintf(p.writer, "%s %s",
		p.styles.Error.Render("✗"),
		p.styles.Error.Render(message))
	if err != nil {
		fmt.Fprintf(p.writer, ": %s", p.styles.Error.Render(err.Error()))
	}
	fmt.Fprintln(p.writer)
}

// Field logs a key-value pair with pretty formatting
func (p *PrettyLogger) Field(key string, value interface{}) {
	fmt.Fprintf(p.writer, "%s: %s\n",
		p.styles.Key.Render(key),
		p.styles.Value.Render(fmt.Sprint(value)))
}

// Status prints a one-line pipeline status. Progress is only shown while the
// pipeline is still working.
func (p *PrettyLogger) Status(s models.Status) {
	var style lipgloss.Style
	switch s.State {
	case models.StateFailed:
		style = p.styles.Error
	case models.StateReady, models.StateDeployed:
		style = p.styles.Success
	default:
		style = p.styles.Info
	}

	line := style.Render(string(s.State))
	if s.State.InProgress() {
		line += " " + p.styles.Value.Render(fmt.Sprintf("%3d%%", s.Progress))
	}
	if s.CurrentStep != "" {
		line += " " + p.styles.Key.Render("["+s.CurrentStep+"]")
	}
	if s.Message != "" {
		line += " " + s.Message
	}
	fmt.Fprintln(p.writer, line)
}

// LogEntry prints one agent log line.
func (p *PrettyLogger) LogEntry(e models.LogEntry) {
	var level lipgloss.Style
	switch e.Level {
	case models.LevelError:
		level = p.styles.Error
	case models.LevelWarning:
		level = p.styles.Warning
	default:
		level = p.styles.Info
	}

	ts := ""
	if !e.Timestamp.IsZero() {
		ts = p.styles.Muted.Render(e.Timestamp.Local().Format(time.TimeOnly)) + " "
	}
	fmt.Fprintf(p.writer, "%s%s %s %s\n",
		ts,
		level.Render(fmt.Sprintf("%-7s", strings.ToUpper(string(e.Level)))),
		p.styles.Key.Render(e.Agent+":"),
		e.Message)
}

// Files prints the file inventory, one path per line.
func (p *PrettyLogger) Files(files []models.FileRecord) {
	for _, f := range files {
		lang := ""
		if f.Language != "" {
			lang = " " + p.styles.Muted.Render("("+f.Language+")")
		}
		fmt.Fprintf(p.writer, "  %s%s\n", p.styles.Path.Render(f.Path), lang)
	}
}

// Divider prints a visual divider
func (p *PrettyLogger) Divider() {
	fmt.Fprintln(p.writer, p.styles.Key.Render(strings.Repeat("─", 60)))
}

// Blank prints a blank line
func (p *PrettyLogger) Blank() {
	fmt.Fprintln(p.writer)
}
