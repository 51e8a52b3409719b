// Package logging sets up the process-wide logger.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/colabvibe/previewd/internal/config"
)

// Init mirrors log output to a file under the data path in addition to
// stdout. Must be called after config.Load(). File trouble degrades to
// stdout-only logging rather than failing startup.
func Init() {
	path := config.Cfg.LogPath
	if path == "" {
		path = filepath.Join(config.Cfg.DataPath, "previewd.log")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Logging to file: %s", path)
}
