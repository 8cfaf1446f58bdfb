package tool

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// sharedTransport is reused by every client so keep-alive connections to
// tool servers are pooled process-wide.
var (
	sharedTransportOnce sync.Once
	sharedTransport     *http.Transport
)

func pooledTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	})
	return sharedTransport
}

// NewHTTPClient returns a client on the shared pooled transport. Every
// outbound call the relay makes carries a timeout; zero selects 30s.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: pooledTransport()}
}
