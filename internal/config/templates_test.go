package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTemplatesDefaults(t *testing.T) {
	got, err := LoadTemplates("")
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	for _, kind := range []string{"node", "python", "static"} {
		tmpl, ok := got[kind]
		if !ok {
			t.Errorf("default template %q missing", kind)
			continue
		}
		if tmpl.Image == "" || tmpl.ContainerPort == 0 {
			t.Errorf("default template %q incomplete: %+v", kind, tmpl)
		}
	}
}

func TestLoadTemplatesMissingFileUsesDefaults(t *testing.T) {
	got, err := LoadTemplates(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	if _, ok := got["node"]; !ok {
		t.Error("defaults not returned for missing file")
	}
}

func TestLoadTemplatesMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	catalog := `
templates:
  node:
    image: node:20-alpine
    container_port: 3000
  rails:
    image: ruby:3.3
    command: ["bin/rails", "server", "-b", "0.0.0.0"]
    container_port: 3000
    env:
      RAILS_ENV: development
`
	if err := os.WriteFile(path, []byte(catalog), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	got, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	if got["node"].Image != "node:20-alpine" {
		t.Errorf("node image = %q, want override", got["node"].Image)
	}
	if got["rails"].Env["RAILS_ENV"] != "development" {
		t.Errorf("rails template not merged: %+v", got["rails"])
	}
	if _, ok := got["python"]; !ok {
		t.Error("untouched default dropped by merge")
	}
}

func TestLoadTemplatesValidation(t *testing.T) {
	cases := []struct {
		name    string
		catalog string
	}{
		{"missing image", "templates:\n  broken:\n    container_port: 3000\n"},
		{"missing port", "templates:\n  broken:\n    image: node:22\n"},
		{"bad yaml", "templates: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "templates.yaml")
			if err := os.WriteFile(path, []byte(tc.catalog), 0644); err != nil {
				t.Fatalf("write catalog: %v", err)
			}
			if _, err := LoadTemplates(path); err == nil {
				t.Error("LoadTemplates accepted an invalid catalog")
			}
		})
	}
}
