// Package scaffold creates new apps from embedded templates.
package scaffold

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/lobby-ws/gamedev-sub000/internal/fsutil"
	"github.com/lobby-ws/gamedev-sub000/internal/hostapi"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo is one file to create.
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

type templateData struct {
	App    string
	Title  string
	Params string
}

// NewApp creates apps/<app>/<app>.json and apps/<app>/index.js under root.
// It returns the created paths relative to root.
func NewApp(root, app string) ([]string, error) {
	if err := ValidateAppName(app); err != nil {
		return nil, err
	}
	if err := CheckExisting(root, app); err != nil {
		return nil, err
	}

	files, err := getTemplateFiles(app)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(root, project.AppsDir, app)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	created := make([]string, 0, len(files))
	for _, file := range files {
		if err := fsutil.WriteFileAtomic(filepath.Join(root, filepath.FromSlash(file.Path)), file.Content, file.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		created = append(created, file.Path)
	}

	if err := validateConfig(filepath.Join(dir, app+".json")); err != nil {
		return nil, err
	}
	return created, nil
}

func getTemplateFiles(app string) ([]FileInfo, error) {
	data := templateData{
		App:    app,
		Title:  title(app),
		Params: strings.Join(hostapi.ModuleParams, ", "),
	}

	config, err := render("templates/blueprint.json.tmpl", data)
	if err != nil {
		return nil, err
	}
	script, err := render("templates/index.js.tmpl", data)
	if err != nil {
		return nil, err
	}

	return []FileInfo{
		{Path: project.ConfigRelPath(app, app), Content: config, Permissions: 0644},
		{Path: project.AppsDir + "/" + app + "/index.js", Content: script, Permissions: 0644},
	}, nil
}

func render(name string, data templateData) ([]byte, error) {
	tmpl, err := template.ParseFS(templatesFS, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s template: %w", filepath.Base(name), err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s template: %w", filepath.Base(name), err)
	}
	return buf.Bytes(), nil
}

func validateConfig(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read created %s: %w", filepath.Base(path), err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(content, &cfg); err != nil {
		return fmt.Errorf("created %s is not valid JSON: %w", filepath.Base(path), err)
	}
	return nil
}

// title turns "my-app" into "My App".
func title(app string) string {
	words := strings.Split(app, "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
