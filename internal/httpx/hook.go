// Package httpx holds HTTP plumbing shared by the middlewares.
package httpx

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
)

// HookWriter wraps an http.ResponseWriter and runs a callback exactly once,
// immediately before the response header is committed. The callback sees the
// status about to be written and may still modify w.Header().
//
// IMPORTANT: the wrapper must preserve optional interfaces (Hijacker, Flusher,
// Pusher, ReaderFrom), otherwise upgrades and streaming break behind it.
type HookWriter struct {
	http.ResponseWriter

	before func(status int)
	fired  bool

	status  int
	written bool
	bytes   int64
}

// NewHookWriter wraps w. before may be nil.
func NewHookWriter(w http.ResponseWriter, before func(status int)) *HookWriter {
	return &HookWriter{ResponseWriter: w, before: before, status: http.StatusOK}
}

func (w *HookWriter) fire(status int) {
	if w.fired {
		return
	}
	w.fired = true
	if w.before != nil {
		w.before(status)
	}
}

func (w *HookWriter) WriteHeader(code int) {
	if w.written {
		return
	}
	// Interim responses (103 Early Hints and friends) precede the final
	// header and do not commit it.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.fire(code)
	w.status = code
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *HookWriter) Write(p []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// Finish runs the callback if the handler returned without writing anything.
// Call it after next.ServeHTTP.
func (w *HookWriter) Finish() {
	if !w.written {
		w.fire(http.StatusOK)
	}
}

// Status is the committed status, or 200 when nothing has been written yet.
func (w *HookWriter) Status() int { return w.status }

// Written reports whether the header has been committed.
func (w *HookWriter) Written() bool { return w.written }

// Bytes is the number of body bytes written.
func (w *HookWriter) Bytes() int64 { return w.bytes }

func (w *HookWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	w.fire(http.StatusSwitchingProtocols)
	w.written = true
	return hj.Hijack()
}

func (w *HookWriter) Flush() {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *HookWriter) Push(target string, opts *http.PushOptions) error {
	if p, ok := w.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func (w *HookWriter) ReadFrom(r io.Reader) (int64, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	if rf, ok := w.ResponseWriter.(io.ReaderFrom); ok {
		n, err := rf.ReadFrom(r)
		w.bytes += n
		return n, err
	}
	n, err := io.Copy(w.ResponseWriter, r)
	w.bytes += n
	return n, err
}

func (w *HookWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
