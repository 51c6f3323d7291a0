package broker

import (
	"crypto/tls"
	"net/http"
	"time"
)

// NewHTTPClient builds the http.Client used against the local gateway.
// The gateway process serves HTTPS with a self-signed certificate, so
// verification is optionally skipped. This client must never be reused
// for other hosts.
func NewHTTPClient(timeout time.Duration, insecureSkipVerify bool) *http.Client {
	transport := &http.Transport{}
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
