package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/kilupskalvis/kgserve/internal/assets"
)

// makeDocsHandler serves published document assets. A trailing slash or an
// empty path serves index.html of that directory.
func makeDocsHandler(store assets.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("path")
		if name == "" || strings.HasSuffix(name, "/") {
			name += "index.html"
		}

		rc, err := store.Open(r.Context(), name)
		if err != nil {
			if errors.Is(err, assets.ErrAssetNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "document not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		defer rc.Close()

		ctype := mime.TypeByExtension(path.Ext(name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		io.Copy(w, rc)
	}
}
