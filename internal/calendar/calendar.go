// Package calendar implements the CalendarWriter boundary: serializing a
// user's shifts to an iCalendar (.ics) file and patching its status field
// in place when only the exit code, not the shift content, has changed.
// No iCalendar library is available, so this is built directly on
// text/template, the same way other flat text formats are rendered.
package calendar

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/fleetwatch/orchestrator/internal/domain"
)

// statusField is the well-known X-property patched in place on status
// changes, without touching VEVENT blocks.
const statusField = "X-FLEETWATCH-STATUS"

var icsTemplate = template.Must(template.New("ics").Funcs(template.FuncMap{
	"stamp": func(t time.Time) string { return t.UTC().Format("20060102T150405Z") },
	"date":  func(d time.Time) string { return d.Format("20060102") },
}).Parse(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//fleetwatch//orchestrator//EN
{{.StatusField}}:{{.Status}}
{{range .Shifts}}BEGIN:VEVENT
UID:{{date .Date}}-{{.StartTime}}@fleetwatch
DTSTAMP:{{stamp $.Now}}
SUMMARY:{{.Role}} at {{.Location}}
DTSTART:{{date .Date}}T{{.StartTime}}00
DTEND:{{date .Date}}T{{.EndTime}}00
LOCATION:{{.Location}}
END:VEVENT
{{end}}END:VCALENDAR
`))

// CalendarWriter is the external contract (serializes shifts to a file
// path, or patches just the status field on a failure run).
type CalendarWriter interface {
	Write(path string, shifts domain.ShiftSet, status string) error
	PatchStatus(path string, status string) error
}

// Writer serializes ShiftSets to disk as iCalendar files.
type Writer struct{}

func NewWriter() *Writer { return &Writer{} }

type templateData struct {
	StatusField string
	Status      string
	Shifts      domain.ShiftSet
	Now         time.Time
}

// Write fully (re)renders path from shifts, tagging it with the given
// status string in the well-known status field.
func (w *Writer) Write(path string, shifts domain.ShiftSet, status string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create calendar file: %w", err)
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	if err := icsTemplate.Execute(buf, templateData{
		StatusField: statusField,
		Status:      status,
		Shifts:      shifts,
		Now:         time.Now(),
	}); err != nil {
		return fmt.Errorf("render calendar: %w", err)
	}
	return buf.Flush()
}

// PatchStatus rewrites only the status field of an existing calendar file,
// leaving every VEVENT untouched: failure paths just patch the status rather
// than regenerating the whole file.
func (w *Writer) PatchStatus(path string, status string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read calendar file: %w", err)
	}

	lines := strings.Split(string(raw), "\n")
	prefix := statusField + ":"
	patched := false
	for i, line := range lines {
		if strings.HasPrefix(line, prefix) {
			lines[i] = prefix + status
			patched = true
			break
		}
	}
	if !patched {
		return fmt.Errorf("status field %s not found in %s", statusField, path)
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644)
}

// URL composes the published URL for userName's calendar under the
// configured domain, preferring fileName when the user has one set.
func URL(domainHost, fileName, userName string) string {
	stem := userName
	if fileName != "" {
		stem = fileName
	}
	return fmt.Sprintf("https://%s/%s.ics", strings.TrimSuffix(domainHost, "/"), stem)
}
