// Package render produces notification message bodies from templates
// embedded in the binary.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	funcs := template.FuncMap{
		"upper":    strings.ToUpper,
		"duration": formatDuration,
		"short":    shortRef,
	}
	t, err := template.New("render").Funcs(funcs).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the
// rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// formatDuration rounds to the second for readable report lines.
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// shortRef abbreviates commit hashes to eight characters.
func shortRef(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
