// Package configpack loads declarative configuration packs and projects
// them onto remote hosts over SSH.
package configpack

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileItem declares one managed file
type FileItem struct {
	Path        string `yaml:"path" json:"path"`
	Mode        string `yaml:"mode" json:"mode"`
	Template    string `yaml:"template,omitempty" json:"template,omitempty"`
	Content     string `yaml:"content,omitempty" json:"content,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// PackageItem declares one required apt package
type PackageItem struct {
	Name        string `yaml:"name" json:"name"`
	MinVersion  string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// SettingItem declares one managed setting. env_var is the only type today.
type SettingItem struct {
	Type        string `yaml:"type" json:"type"`
	Key         string `yaml:"key" json:"key"`
	Expected    string `yaml:"expected" json:"expected"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Items groups a pack's declarations
type Items struct {
	Files    []FileItem    `yaml:"files,omitempty" json:"files,omitempty"`
	Packages []PackageItem `yaml:"packages,omitempty" json:"packages,omitempty"`
	Settings []SettingItem `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// Pack is one declarative configuration bundle
type Pack struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Extends     string `yaml:"extends,omitempty" json:"extends,omitempty"`
	Items       Items  `yaml:"items" json:"items"`
}

// Total counts the items across all groups
func (p *Pack) Total() int {
	return len(p.Items.Files) + len(p.Items.Packages) + len(p.Items.Settings)
}

// LoadError wraps any pack parse, cycle, or template failure
type LoadError struct {
	Pack string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("pack %s: %v", e.Pack, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader reads packs from a directory, resolving inheritance and caching
// parsed results until invalidated. Templates live in <dir>/templates/.
type Loader struct {
	dir string

	mu    sync.Mutex
	cache map[string]*Pack
}

// NewLoader creates a pack loader rooted at dir
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:   dir,
		cache: make(map[string]*Pack),
	}
}

// Load parses a pack by name. With resolveExtends, parent packs are merged
// in parent-first order; inheritance cycles are an error.
func (l *Loader) Load(name string, resolveExtends bool) (*Pack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(name, resolveExtends, map[string]bool{})
}

// Invalidate drops the cache so edited packs are re-read
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Pack)
}

// List returns the names of every pack file in the directory
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name()[:len(entry.Name())-len(ext)])
		}
	}
	return names, nil
}

func (l *Loader) load(name string, resolveExtends bool, seen map[string]bool) (*Pack, error) {
	if seen[name] {
		return nil, &LoadError{Pack: name, Err: fmt.Errorf("inheritance cycle detected")}
	}
	seen[name] = true

	key := cacheKey(name, resolveExtends)
	if cached, ok := l.cache[key]; ok {
		return cached, nil
	}

	pack, err := l.parse(name)
	if err != nil {
		return nil, err
	}

	if resolveExtends && pack.Extends != "" {
		parent, err := l.load(pack.Extends, true, seen)
		if err != nil {
			return nil, err
		}
		merged := &Pack{
			Name:        pack.Name,
			Description: pack.Description,
			Items: Items{
				Files:    append(append([]FileItem{}, parent.Items.Files...), pack.Items.Files...),
				Packages: append(append([]PackageItem{}, parent.Items.Packages...), pack.Items.Packages...),
				Settings: append(append([]SettingItem{}, parent.Items.Settings...), pack.Items.Settings...),
			},
		}
		pack = merged
	}

	if err := l.resolveTemplates(pack); err != nil {
		return nil, err
	}

	l.cache[key] = pack
	return pack, nil
}

func (l *Loader) parse(name string) (*Pack, error) {
	path := filepath.Join(l.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data, err = os.ReadFile(filepath.Join(l.dir, name+".yml"))
		}
		if err != nil {
			return nil, &LoadError{Pack: name, Err: err}
		}
	}

	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, &LoadError{Pack: name, Err: err}
	}
	if pack.Name == "" {
		pack.Name = name
	}
	return &pack, nil
}

// resolveTemplates inlines referenced template files into Content
func (l *Loader) resolveTemplates(pack *Pack) error {
	for i, file := range pack.Items.Files {
		if file.Template == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, "templates", file.Template))
		if err != nil {
			return &LoadError{Pack: pack.Name, Err: fmt.Errorf("template %s: %w", file.Template, err)}
		}
		pack.Items.Files[i].Content = string(data)
	}
	return nil
}

func cacheKey(name string, resolved bool) string {
	if resolved {
		return name + "|resolved"
	}
	return name
}
