package server

import (
	"io/fs"
	"net/http"
	"os"
	"strings"
)

// spaHandler serves a frontend build from dir with SPA fallback.
// Any path that doesn't match a static file serves index.html.
func spaHandler(dir string) http.Handler {
	dist := os.DirFS(dir)
	fileServer := http.FileServer(http.FS(dist))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")

		if path != "" {
			if info, err := fs.Stat(dist, path); err == nil && !info.IsDir() {
				fileServer.ServeHTTP(w, r)
				return
			}
		}

		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
