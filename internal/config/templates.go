package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Template describes how a preview container is built for one project kind.
type Template struct {
	Image         string            `yaml:"image"`
	Command       []string          `yaml:"command"`
	ContainerPort int               `yaml:"container_port"`
	Env           map[string]string `yaml:"env"`
	MemoryLimit   string            `yaml:"memory_limit"`
	CPULimit      string            `yaml:"cpu_limit"`
}

type templateFile struct {
	Templates map[string]Template `yaml:"templates"`
}

// defaultTemplates ships with the binary so a bare install can spawn
// previews without a catalog file.
var defaultTemplates = map[string]Template{
	"node": {
		Image:         "node:22-alpine",
		Command:       []string{"sh", "-c", "npm install && npm run dev -- --host 0.0.0.0"},
		ContainerPort: 5173,
		MemoryLimit:   "2Gi",
		CPULimit:      "2000m",
	},
	"python": {
		Image:         "python:3.12-slim",
		Command:       []string{"sh", "-c", "pip install -r requirements.txt && python -m flask run --host 0.0.0.0"},
		ContainerPort: 5000,
		MemoryLimit:   "2Gi",
		CPULimit:      "2000m",
	},
	"static": {
		Image:         "nginx:alpine",
		ContainerPort: 80,
		MemoryLimit:   "256Mi",
		CPULimit:      "500m",
	},
}

// LoadTemplates reads the template catalog from path. An empty path or a
// missing file yields the compiled-in defaults. Entries in the file are
// merged over the defaults by kind.
func LoadTemplates(path string) (map[string]Template, error) {
	out := make(map[string]Template, len(defaultTemplates))
	for kind, t := range defaultTemplates {
		out[kind] = t
	}

	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}

	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}
	for kind, t := range f.Templates {
		if t.Image == "" {
			return nil, fmt.Errorf("template %q: image is required", kind)
		}
		if t.ContainerPort == 0 {
			return nil, fmt.Errorf("template %q: container_port is required", kind)
		}
		out[kind] = t
	}
	return out, nil
}
