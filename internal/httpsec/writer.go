package httpsec

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"github.com/klyr/bastion/internal/actions"
	"github.com/klyr/bastion/internal/trace"
)

// responseWriter holds the application's status and headers until the
// first WriteHeader, Write or Flush. The response phase runs at that point
// and may replace the response.
type responseWriter struct {
	http.ResponseWriter
	op     *Operation
	accept string

	status    int
	committed bool
	// replaced is set once a block response went out; the application's
	// body is then discarded.
	replaced bool
	hijacked bool
}

func newResponseWriter(w http.ResponseWriter, op *Operation, accept string) *responseWriter {
	return &responseWriter{ResponseWriter: w, op: op, accept: accept}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.committed {
		return
	}
	// Informational responses are forwarded as they come.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.status = code
	w.commit()
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.committed {
		w.WriteHeader(http.StatusOK)
	}
	if w.replaced {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if !w.committed {
		w.WriteHeader(http.StatusOK)
	}
	if w.replaced {
		return
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the application. Response rules still run
// but can only annotate the record.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpsec: underlying ResponseWriter does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err != nil {
		return nil, nil, err
	}
	if !w.committed {
		w.committed = true
		w.hijacked = true
		w.status = http.StatusSwitchingProtocols
		w.op.evaluateResponse(w.status, w.Header(), w.accept, false)
		trace.SetResponseTags(w.op.rec, w.status, w.Header())
	}
	return conn, rw, nil
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseWriter) commit() {
	w.committed = true

	if resp, blocked := w.op.evaluateResponse(w.status, w.Header(), w.accept, true); blocked {
		w.replace(resp)
		return
	}
	trace.SetResponseTags(w.op.rec, w.status, w.Header())
	w.ResponseWriter.WriteHeader(w.status)
}

// replace drops every header the application set and writes resp.
func (w *responseWriter) replace(resp actions.Response) {
	header := w.Header()
	for name := range header {
		delete(header, name)
	}
	resp.Write(w.ResponseWriter)
	w.replaced = true
	w.status = resp.StatusCode
	trace.SetResponseTags(w.op.rec, resp.StatusCode, header)
}

// finish commits a response the application never started, so the
// response phase also runs for handlers that write nothing.
func (w *responseWriter) finish() {
	if !w.committed {
		w.WriteHeader(http.StatusOK)
	}
}
