package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

//go:embed templates/system_default.md
var embeddedSystem string

// templateData is what system templates may reference.
type templateData struct {
	Language string
}

// TemplateLoader resolves system prompt templates from disk with an
// embedded fallback, caching parsed templates. Lookup order:
//
//	{dir}/system/{language}.md
//	{dir}/system/default.md
//	embedded default
type TemplateLoader struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*template.Template
}

func NewTemplateLoader(dir string) *TemplateLoader {
	return &TemplateLoader{dir: dir, cache: make(map[string]*template.Template)}
}

// System renders the system prompt for the detected language.
func (l *TemplateLoader) System(language string) (string, error) {
	if language == "" {
		language = "default"
	}

	candidates := []string{
		filepath.Join(l.dir, "system", language+".md"),
		filepath.Join(l.dir, "system", "default.md"),
	}
	for _, path := range candidates {
		tmpl, err := l.fromDisk(path)
		if err != nil {
			return "", err
		}
		if tmpl == nil {
			continue
		}
		return render(tmpl, language)
	}

	tmpl, err := l.parse("embedded", embeddedSystem)
	if err != nil {
		return "", err
	}
	return render(tmpl, language)
}

// fromDisk returns the cached or freshly parsed template at path, nil when
// the file does not exist.
func (l *TemplateLoader) fromDisk(path string) (*template.Template, error) {
	l.mu.RLock()
	tmpl, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read prompt template %s: %w", path, err)
	}
	return l.parse(path, string(data))
}

func (l *TemplateLoader) parse(name, text string) (*template.Template, error) {
	l.mu.RLock()
	tmpl, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	l.mu.Lock()
	l.cache[name] = tmpl
	l.mu.Unlock()
	return tmpl, nil
}

func render(tmpl *template.Template, language string) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, templateData{Language: language}); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return b.String(), nil
}
