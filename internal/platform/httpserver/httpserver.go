package httpserver

import (
	"net/http"
	"time"
)

// New builds the relay's HTTP server. Requests are small urlencoded forms
// and OAuth redirects, so reads stay tight; the write timeout leaves room
// for the slash-command path, which checks the ledger before replying.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
