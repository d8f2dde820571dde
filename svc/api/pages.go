package api

import (
	"bytes"
	"embed"
	"html/template"
	"net"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type pasteView struct {
	Code string
}

type usageView struct {
	NotFound    bool
	Scheme      string
	Domain      string
	Host        string
	RawPort     string
	RawReadPort string
	DeleteAfter uint32
}

func hostOnly(domain string) string {
	if host, _, err := net.SplitHostPort(domain); err == nil {
		return host
	}
	return domain
}

// renderPage executes the named page into memory first so a template error
// never leaves a half written response.
func renderPage(w http.ResponseWriter, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
