package server

import (
	"net/http"
	"strings"
)

// Mux serves the GraphQL endpoint next to the operational endpoints.
type Mux struct {
	// Path of the GraphQL endpoint. Path+"/s" serves the same handler for
	// clients that keep subscriptions on a separate route.
	Path    string
	GraphQL http.Handler
	// Ready reports whether the gateway can serve requests. Nil means
	// always ready.
	Ready   func() bool
	Metrics http.Handler
}

// Handler returns the routed handler. /healthz answers as long as the
// process serves HTTP; /readyz answers 503 until Ready reports true.
func (m Mux) Handler() http.Handler {
	path := "/" + strings.Trim(m.Path, "/")
	if path == "/" {
		path = "/graphql"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.GraphQL)
	mux.Handle(path+"/s", m.GraphQL)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if m.Ready != nil && !m.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready\n"))
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	if m.Metrics != nil {
		mux.Handle("/metrics", m.Metrics)
	}
	return mux
}
