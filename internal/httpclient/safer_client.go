// Package httpclient provides an SSRF-guarded HTTP client for all outbound
// calls (extraction API, group platform API). URLs come partly from
// configuration, so scheme and target validation happens on every request
// and on every redirect hop.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sayonatsu/herald/errors"
)

// SaferClient wraps http.Client with outbound target validation.
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
}

// NewSaferClient builds a client that refuses private and loopback targets,
// validates redirect destinations, and caps the redirect chain.
func NewSaferClient(timeout time.Duration) *SaferClient {
	c := &SaferClient{
		Client:         &http.Client{Timeout: timeout},
		allowedSchemes: []string{"https", "http"},
		blockPrivateIP: true,
		maxRedirects:   10,
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	c.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			// Resolve here so DNS rebinding cannot sidestep the URL check.
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isForbiddenIP(ip) {
					return nil, errors.Newf("forbidden IP address: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return c
}

// Do executes a request after validating its target.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

func (c *SaferClient) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	ok := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return errors.Newf("scheme %q not allowed", scheme)
	}

	if u.User != nil {
		return errors.New("URL carries userinfo")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}

	if c.blockPrivateIP {
		if isLocalhostName(hostname) {
			return errors.New("localhost access blocked")
		}
		if ip := net.ParseIP(hostname); ip != nil && isForbiddenIP(ip) {
			return errors.Newf("forbidden IP address: %s", hostname)
		}
	}
	return nil
}

// isForbiddenIP reports whether an IP falls in a private or special-use
// range that outbound calls must never reach.
func isForbiddenIP(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

func isLocalhostName(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" || strings.HasSuffix(hostname, ".localhost")
}

// WrapClient wraps an existing http.Client without target validation.
// Only for tests that talk to httptest servers on loopback.
func WrapClient(client *http.Client) *SaferClient {
	return &SaferClient{
		Client:         client,
		allowedSchemes: []string{"https", "http"},
		blockPrivateIP: false,
		maxRedirects:   10,
	}
}
