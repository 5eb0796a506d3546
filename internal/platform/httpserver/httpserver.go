package httpserver

import (
	"net/http"
	"time"
)

// writeHeadroom is added on top of the handler deadline so timeout responses
// (504 and friends) are still written instead of the connection being cut.
const writeHeadroom = 5 * time.Second

// New builds an HTTP server with sane defaults for this project.
// requestTimeout is the per-request handler deadline; the server's write
// timeout is derived from it so the connection outlives the handler. Zero
// leaves the write timeout unset.
func New(addr string, handler http.Handler, requestTimeout time.Duration) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if requestTimeout > 0 {
		srv.WriteTimeout = requestTimeout + writeHeadroom
	}
	return srv
}
