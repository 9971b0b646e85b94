// Package pixiv implements the upstream OAuth and App API clients.
package pixiv

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Timeouts carries the outbound HTTP timeout pair.
type Timeouts struct {
	Connect time.Duration
	Total   time.Duration
}

// NewHTTPClient builds a client routed through proxyURI. proxyURI may be
// nil (direct), an http(s) proxy, or a socks5 proxy. Each call site gets
// its own client because the proxy varies per attempt.
func NewHTTPClient(proxyURI *url.URL, t Timeouts) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: t.Connect}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Total,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxyURI != nil {
		switch proxyURI.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(proxyURI)
		case "socks5":
			var auth *xproxy.Auth
			if proxyURI.User != nil {
				password, _ := proxyURI.User.Password()
				auth = &xproxy.Auth{User: proxyURI.User.Username(), Password: password}
			}
			socksDialer, err := xproxy.SOCKS5("tcp", proxyURI.Host, auth, dialer)
			if err != nil {
				return nil, fmt.Errorf("failed to build socks5 dialer for %s: %w", proxyURI.Host, err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := socksDialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return socksDialer.Dial(network, addr)
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURI.Scheme)
		}
	}
	return &http.Client{Transport: transport, Timeout: t.Total}, nil
}
