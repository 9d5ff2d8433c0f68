package replay

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/perbu/harreplay/pkg/metrics"
	"github.com/perbu/harreplay/pkg/queue"
	"github.com/perbu/harreplay/pkg/trace"
)

// ServeHTTP answers a request with the next recorded response for its origin
// and path.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut && r.URL.Path == ResetPath {
		d.handleReset(w, r)
		return
	}

	origin, err := d.requestOrigin(r)
	if err != nil {
		d.logger.Debug("Bad request", "host", r.Host, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	path := trace.RequestPath(r.URL)

	resp, err := d.Dispatch(origin, path)
	if err != nil {
		d.writeError(w, r, err)
		return
	}

	d.cfg.Metrics.ObserveRequest(metrics.ResultServed)
	d.logger.Debug("Replayed response", "method", r.Method, "origin", origin.Key(), "path", path, "status", resp.Status)
	writeResponse(w, resp)
}

// requestOrigin derives the origin a request was addressed to. A Host
// without a port, or with the port the listener is actually bound to, is
// taken to mean the port recorded for the listener's identity, so remapped
// listeners still match recorded origins.
func (d *Dispatcher) requestOrigin(r *http.Request) (trace.Origin, error) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	o, err := trace.ParseOrigin(scheme, r.Host)
	if err != nil {
		return trace.Origin{}, err
	}

	if l := d.listenerFor(r); l != nil {
		_, _, splitErr := net.SplitHostPort(r.Host)
		if splitErr != nil || o.Port == l.boundPort {
			o.Port = l.identity.Port
		}
	}
	return o, nil
}

func (d *Dispatcher) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, result := http.StatusInternalServerError, "internal", ""
	switch {
	case errors.Is(err, queue.ErrUnknownOrigin):
		status, kind, result = http.StatusMisdirectedRequest, "unknown-origin", metrics.ResultUnknownOrigin
	case errors.Is(err, queue.ErrUnknownPath):
		status, kind, result = http.StatusNotFound, "unknown-path", metrics.ResultUnknownPath
	case errors.Is(err, queue.ErrExhausted):
		status, kind, result = http.StatusInternalServerError, "exhausted", metrics.ResultExhausted
	}
	if result != "" {
		d.cfg.Metrics.ObserveRequest(result)
	}
	d.logger.Warn("Replay miss", "method", r.Method, "host", r.Host, "kind", kind, "error", err)

	w.Header().Set("X-Replay-Error", kind)
	http.Error(w, err.Error(), status)
}

// writeResponse writes recorded headers in their captured order, then the
// status and body. Names are canonicalized so recorded Content-Type and Date
// replace the ones net/http would otherwise add. Transfer-Encoding is never
// replayed because the body is always sent whole with a Content-Length.
func writeResponse(w http.ResponseWriter, resp *queue.Response) {
	h := w.Header()
	for _, hd := range resp.Headers {
		if strings.EqualFold(hd.Name, "Transfer-Encoding") {
			continue
		}
		h.Add(hd.Name, hd.Value)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (d *Dispatcher) handleReset(w http.ResponseWriter, r *http.Request) {
	keep, _ := r.Context().Value(connKey{}).(net.Conn)
	if d.cfg.OnReset != nil {
		d.cfg.OnReset(keep)
	} else {
		d.ResetQueues()
		d.CloseConnections(keep)
	}
	d.logger.Info("Reset requested in-band", "remote", r.RemoteAddr)
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusNoContent)
}
