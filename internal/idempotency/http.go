package idempotency

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/craftdeck/craftdeck/internal/platform/httpx"
)

// captureWriter buffers the response while passing status and headers
// through, so a successful execution can be committed byte for byte.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

// ScopeFunc derives the ledger scope for a request, typically from the
// authorized caller. Returning "" skips the ledger for that request.
type ScopeFunc func(r *http.Request) string

// Wrap makes a mutation handler idempotent under the named operation.
// The key header is mandatory on wrapped routes: a missing or
// malformed key is rejected before the handler runs. A committed key
// replays the recorded response with the replay header set; otherwise
// the handler runs and any response below 500 is committed. Server
// errors are never recorded, so the caller's retry re-executes.
func (l *Ledger) Wrap(op string, scope ScopeFunc, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(KeyHeader))
		if key == "" {
			httpx.RespondError(w, httpx.NewError(httpx.KindValidation, "idempotency_key_required", 0))
			return
		}
		if !ValidKey(key) {
			httpx.RespondError(w, httpx.NewError(httpx.KindValidation, "idempotency_key_invalid", 0))
			return
		}
		sc := scope(r)
		if sc == "" {
			next(w, r)
			return
		}

		rec, found, err := l.Lookup(r.Context(), op, sc, key)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		if found {
			l.metrics.CountIdempotentReplay()
			w.Header().Set(ReplayHeader, "1")
			httpx.Raw(w, rec.Status, rec.Body)
			return
		}

		cw := &captureWriter{ResponseWriter: w}
		next(cw, r)
		if cw.status >= http.StatusInternalServerError {
			return
		}
		l.Commit(r.Context(), op, sc, key, cw.status, cw.body.Bytes())
	}
}
