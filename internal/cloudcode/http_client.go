package cloudcode

import (
	"net/http"
	"time"

	"github.com/imroc/req/v3"
)

// newPooledHTTPClient builds an *http.Client backed by req's connection
// pool and HTTP/2 support, used for the long-lived upstream calls to Cloud
// Code. Returning the plain *http.Client keeps every existing Do(req)
// call site unchanged.
func newPooledHTTPClient(timeout time.Duration) *http.Client {
	return req.C().
		SetTimeout(timeout).
		GetClient()
}
