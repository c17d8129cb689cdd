// Package assets serves the embedded landing page, its stylesheet and the
// Apple app-site association document that lets the iOS app use passkeys
// for this domain.
package assets

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed static
var staticFS embed.FS

// hashPattern detects content hashes in filenames (e.g. "style.a1b2c3d4.css").
var hashPattern = regexp.MustCompile(`\.[a-zA-Z0-9_-]{8,}\.`)

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<link rel="stylesheet" href="/static/style.css">
</head>
<body>
{{.Body}}
</body>
</html>
`))

// containsHash reports whether the given path contains a content hash.
func containsHash(p string) bool {
	return hashPattern.MatchString(p)
}

// mimeFromExt returns the MIME type for a file extension.
// Falls back to the Go standard library's MIME type database,
// then to "application/octet-stream" if unknown.
func mimeFromExt(ext string) string {
	switch ext {
	case ".css":
		return "text/css; charset=utf-8"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
		return "application/octet-stream"
	}
}

// RenderLanding converts the embedded markdown into a full HTML page.
func RenderLanding(title string) ([]byte, error) {
	src, err := staticFS.ReadFile("static/landing.md")
	if err != nil {
		return nil, fmt.Errorf("reading landing page: %w", err)
	}

	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var body bytes.Buffer
	if err := md.Convert(src, &body); err != nil {
		return nil, fmt.Errorf("rendering landing page: %w", err)
	}

	var page bytes.Buffer
	err = pageTemplate.Execute(&page, struct {
		Title string
		Body  template.HTML
	}{Title: title, Body: template.HTML(body.String())})
	if err != nil {
		return nil, fmt.Errorf("rendering landing template: %w", err)
	}
	return page.Bytes(), nil
}

// LandingHandler serves the pre-rendered landing page at "/" only.
func LandingHandler(title string) (http.Handler, error) {
	page, err := RenderLanding(title)
	if err != nil {
		return nil, err
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(page)
	}), nil
}

// FileServer returns an http.Handler that serves embedded files from static/.
// Hashed assets get immutable cache headers; unhashed assets get no-cache.
// The handler expects paths relative to the static root (strip /static/ before calling).
func FileServer() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic("assets: failed to create sub filesystem: " + err.Error())
	}
	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ext := strings.ToLower(path.Ext(r.URL.Path))
		if ext != "" {
			w.Header().Set("Content-Type", mimeFromExt(ext))
		}
		if containsHash(r.URL.Path) {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		} else {
			w.Header().Set("Cache-Control", "no-cache")
		}
		fileServer.ServeHTTP(w, r)
	})
}

// AppSiteAssociation serves /.well-known/apple-app-site-association,
// granting the listed app IDs ("TEAMID.bundle.id") passkey access to this
// domain.
func AppSiteAssociation(appIDs []string) http.Handler {
	doc := map[string]any{
		"webcredentials": map[string]any{"apps": appIDs},
	}
	body, _ := json.Marshal(doc)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
}
