package util

import (
	"context"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/studioproxy/StudioProxyAPI/internal/config"
)

// SetProxy routes the HTTP client through the configured proxy. SOCKS5,
// HTTP and HTTPS schemes are supported; anything else leaves the client
// untouched.
func SetProxy(cfg *config.Config, httpClient *http.Client) *http.Client {
	if cfg.ProxyURL == "" {
		return httpClient
	}
	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		log.Errorf("invalid proxy url %q: %v", cfg.ProxyURL, err)
		return httpClient
	}

	var transport *http.Transport
	switch proxyURL.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if user := proxyURL.User; user != nil {
			password, _ := user.Password()
			auth = &proxy.Auth{User: user.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return httpClient
		}
		transport = &http.Transport{
			DialContext: func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	default:
		log.Warnf("unsupported proxy scheme %q", proxyURL.Scheme)
		return httpClient
	}

	httpClient.Transport = transport
	return httpClient
}
