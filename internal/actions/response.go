package actions

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	contentTypeJSON = "application/json"
	contentTypeHTML = "text/html"
)

// Response is what gets written in place of the application's response.
type Response struct {
	StatusCode  int
	ContentType string
	Location    string
	Body        []byte
}

// Resolve renders spec for a client sending the given Accept header.
// Non-blocking actions resolve to an empty Response.
func Resolve(spec Spec, accept string) Response {
	switch spec.Type {
	case TypeRedirect:
		return Response{StatusCode: spec.StatusCode, Location: spec.Location}
	case TypeBlock:
		tpl := spec.Template
		if tpl == TemplateAuto || tpl == "" {
			tpl = negotiate(accept)
		}
		templates := CurrentTemplates()
		status := spec.StatusCode
		if status == 0 {
			status = http.StatusForbidden
		}
		if tpl == TemplateHTML {
			return Response{StatusCode: status, ContentType: contentTypeHTML, Body: templates.HTML}
		}
		return Response{StatusCode: status, ContentType: contentTypeJSON, Body: templates.JSON}
	default:
		return Response{}
	}
}

// negotiate picks HTML only when text/html is listed before any JSON type.
func negotiate(accept string) TemplateType {
	htmlIdx := strings.Index(accept, "text/html")
	if htmlIdx == -1 {
		return TemplateJSON
	}
	for _, jsonType := range []string{"application/json", "text/json"} {
		if idx := strings.Index(accept, jsonType); idx != -1 && idx < htmlIdx {
			return TemplateJSON
		}
	}
	return TemplateHTML
}

// Empty reports whether there is nothing to write.
func (r Response) Empty() bool {
	return r.StatusCode == 0
}

// Write sends the response. It is a no-op for an empty Response.
func (r Response) Write(w http.ResponseWriter) {
	if r.Empty() {
		return
	}
	h := w.Header()
	if r.Location != "" {
		h.Set("Location", r.Location)
	}
	if r.ContentType != "" {
		h.Set("Content-Type", r.ContentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.StatusCode)
	if len(r.Body) > 0 {
		_, _ = w.Write(r.Body)
	}
}
