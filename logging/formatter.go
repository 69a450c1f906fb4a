package logging

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
)

var componentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)

var levelNames = map[logrus.Level]string{
	logrus.TraceLevel: "TRACE",
	logrus.DebugLevel: "DEBUG",
	logrus.InfoLevel:  "INFO",
	logrus.WarnLevel:  "WARN",
	logrus.ErrorLevel: "ERROR",
	logrus.FatalLevel: "FATAL",
	logrus.PanicLevel: "PANIC",
}

// Fields rendered in the entry prefix instead of the key=value tail.
const (
	fieldComponent = "component"
	fieldProject   = "project"
	fieldSession   = "session"
)

// TextFormatter renders entries as
//
//	15:04:05.000 [INFO] [session 3f2a9c#2] message key=value error=...
//
// Millisecond timestamps keep pushed events and refreshes distinguishable.
type TextFormatter struct {
	Config FormatConfig
}

// Format implements logrus.Formatter.
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder

	if !f.Config.DisableTimestamp {
		b.WriteString(entry.Time.Format("15:04:05.000"))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "[%s]", levelNames[entry.Level])

	if !f.Config.DisableComponent {
		if tag := scopeTag(entry.Data); tag != "" {
			fmt.Fprintf(&b, " [%s]", tag)
		}
	}

	if entry.HasCaller() {
		fmt.Fprintf(&b, " [%s:%d %s]", filepath.Base(entry.Caller.File), entry.Caller.Line, filepath.Base(entry.Caller.Function))
	}

	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		switch k {
		case fieldComponent, fieldProject, fieldSession, logrus.ErrorKey:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	if err, ok := entry.Data[logrus.ErrorKey]; ok {
		fmt.Fprintf(&b, " %s=%v", logrus.ErrorKey, err)
	}

	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// scopeTag joins the component with the project and session generation when
// present, e.g. "session 3f2a9c#2".
func scopeTag(data logrus.Fields) string {
	var parts []string
	if c, ok := data[fieldComponent]; ok {
		parts = append(parts, componentStyle.Render(fmt.Sprint(c)))
	}
	if p, ok := data[fieldProject]; ok {
		scope := fmt.Sprint(p)
		if s, ok := data[fieldSession]; ok {
			scope += "#" + fmt.Sprint(s)
		}
		parts = append(parts, scope)
	}
	return strings.Join(parts, " ")
}
