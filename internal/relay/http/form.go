package http

import (
	"net/http"
	"strings"

	"github.com/aussiebroadwan/relay/pkg/httpx"
)

const maxFormBytes = 64 << 10

// parseForm reads an application/x-www-form-urlencoded body. It writes the
// error response itself and reports whether the handler should continue.
func parseForm(w http.ResponseWriter, r *http.Request) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" &&
		!strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		httpx.ErrInvalidRequest.WithDescription("content type must be application/x-www-form-urlencoded").Write(w)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		httpx.ErrInvalidRequest.WithDescription("could not parse form body").Write(w)
		return false
	}
	return true
}
