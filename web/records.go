// ABOUTME: Record pages: the markdown summary written by the builder rendered to HTML with goldmark,
// ABOUTME: and raw downloads of record artifacts.
package web

import (
	"bytes"
	"errors"
	"html/template"
	"log"
	"net/http"
	"path/filepath"

	"github.com/2389-research/labrecord/record"
	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var recordPage = template.Must(template.New("record").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.SessionID}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 72rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; margin: 0.5rem 0 1.5rem; }
th, td { border: 1px solid #ccc; padding: 0.25rem 0.5rem; text-align: left; vertical-align: top; }
nav a { margin-right: 1rem; }
</style>
</head>
<body>
<nav>{{range .Artifacts}}<a href="/records/{{$.SessionID}}/{{.}}">{{.}}</a>{{end}}</nav>
{{.Body}}
</body>
</html>
`))

// markdown renders summaries. Raw HTML in the source is not passed through.
var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

func renderMarkdown(src []byte) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert(src, &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	src, err := s.records.ReadArtifact(id, record.SummaryFile)
	if err != nil {
		s.artifactError(w, err)
		return
	}
	body, err := renderMarkdown(src)
	if err != nil {
		log.Printf("component=web action=render_failed session=%s err=%v", id, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	artifacts, _ := s.records.ListArtifacts(id)

	var buf bytes.Buffer
	data := struct {
		SessionID string
		Artifacts []string
		Body      template.HTML
	}{id, artifacts, body}
	if err := recordPage.Execute(&buf, data); err != nil {
		log.Printf("component=web action=render_failed session=%s err=%v", id, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

var artifactTypes = map[string]string{
	".xml":  "application/xml",
	".json": "application/json",
	".md":   "text/markdown; charset=utf-8",
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id, name := chi.URLParam(r, "sessionID"), chi.URLParam(r, "artifact")
	ctype, ok := artifactTypes[filepath.Ext(name)]
	if !ok {
		http.NotFound(w, r)
		return
	}
	data, err := s.records.ReadArtifact(id, name)
	if err != nil {
		s.artifactError(w, err)
		return
	}
	w.Header().Set("Content-Type", ctype)
	_, _ = w.Write(data)
}

func (s *Server) artifactError(w http.ResponseWriter, err error) {
	if errors.Is(err, record.ErrNoRecord) {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
