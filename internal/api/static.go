package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

// StaticFileHandler serves the live map frontend from a directory. Unknown
// paths fall back to index.html so client-side routes work.
type StaticFileHandler struct {
	staticDir string
	logger    *logger.Logger
}

// NewStaticFileHandler creates a new static file handler
func NewStaticFileHandler(staticDir string, log *logger.Logger) *StaticFileHandler {
	return &StaticFileHandler{
		staticDir: staticDir,
		logger:    log.Named("static-handler"),
	}
}

func (h *StaticFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	root, err := filepath.Abs(h.staticDir)
	if err != nil {
		h.logger.Error("Failed to resolve static directory", logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// Clean against "/" first so ".." can never climb above root.
	rel := strings.TrimPrefix(filepath.Clean("/"+r.URL.Path), "/")
	full := filepath.Join(root, rel)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(full)
	switch {
	case err == nil && info.IsDir():
		full = filepath.Join(full, "index.html")
	case os.IsNotExist(err) && filepath.Ext(rel) == "":
		full = filepath.Join(root, "index.html")
	case err != nil && !os.IsNotExist(err):
		h.logger.Error("Failed to stat file", logger.Error(err), logger.String("path", full))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if _, err := os.Stat(full); err != nil {
		http.NotFound(w, r)
		return
	}

	// The page itself must not be cached so a redeploy is picked up;
	// hashed assets can be.
	if strings.HasSuffix(full, ".html") {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}

	http.ServeFile(w, r, full)
}
