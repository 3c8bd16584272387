// Package httpserver centralizes the listener defaults shared by the API
// process.
package httpserver

import (
	"net/http"
	"time"
)

// New wraps the handler in an http.Server with conservative timeouts so
// slow clients cannot hold connections open indefinitely.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
