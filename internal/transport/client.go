// Package transport builds the HTTP client used to publish collected stores
// to object storage, with proxy support and retries.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/http2"

	"github.com/rescale/gridscan/internal/config"
	"github.com/rescale/gridscan/internal/logging"
)

// HTTP client timeouts.
const (
	IdleConnTimeout       = 90 * time.Second
	TLSHandshakeTimeout   = 60 * time.Second
	ExpectContinueTimeout = 1 * time.Second
	DialTimeout           = 30 * time.Second
	DialKeepAlive         = 30 * time.Second
)

const defaultProxyPort = 8080

// NewClient returns an HTTP client for uploads routed through proxy. The
// client retries transient failures with backoff.
func NewClient(proxy config.Proxy, logger *logging.Logger) (*nethttp.Client, error) {
	logger = logging.OrNop(logger)

	tr := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DialTimeout,
			KeepAlive: DialKeepAlive,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       32,
		IdleConnTimeout:       IdleConnTimeout,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ExpectContinueTimeout: ExpectContinueTimeout,
		// chunks are already snappy compressed
		DisableCompression: true,
	}

	var rt nethttp.RoundTripper = tr
	switch strings.ToLower(proxy.Mode) {
	case config.ProxyNone, "":
		tr.Proxy = nil
	case config.ProxySystem:
		tr.Proxy = nethttp.ProxyFromEnvironment
	case config.ProxyBasic:
		tr.Proxy = proxyFuncWithBypass(buildProxyURL(proxy), proxy.NoProxy, logger)
		if proxy.User != "" && proxy.Password() == "" {
			logger.Warn().Str("user", proxy.User).Msg("Proxy user configured but password missing, proxy auth disabled")
		}
	case config.ProxyNTLM:
		tr.Proxy = proxyFuncWithBypass(buildProxyURL(proxy), proxy.NoProxy, logger)
		rt = ntlmssp.Negotiator{RoundTripper: tr}
	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", proxy.Mode)
	}

	// Proxies often break HTTP/2 multiplexing mid-transfer.
	if proxyActive(proxy) {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	} else {
		tr.ForceAttemptHTTP2 = true
		if err := http2.ConfigureTransport(tr); err != nil {
			logger.Debug().Err(err).Msg("HTTP/2 not configured")
		}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &nethttp.Client{Transport: rt}
	retryClient.RetryMax = 5
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 30 * time.Second
	retryClient.Logger = &retryLogger{logger: logger}
	return retryClient.StandardClient(), nil
}

func proxyActive(proxy config.Proxy) bool {
	switch strings.ToLower(proxy.Mode) {
	case config.ProxyNone, "":
		return false
	case config.ProxySystem:
		return os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	default:
		return true
	}
}

func buildProxyURL(proxy config.Proxy) *url.URL {
	port := proxy.Port
	if port == 0 {
		port = defaultProxyPort
	}
	u := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", proxy.Host, port),
	}
	// An empty password in the URL makes some proxies reject the request.
	if pw := proxy.Password(); proxy.User != "" && pw != "" {
		u.User = url.UserPassword(proxy.User, pw)
	}
	return u
}

// proxyFuncWithBypass routes every request through proxyURL except hosts
// matched by noProxy (domains, wildcards and CIDRs).
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string, logger *logging.Logger) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			logger.Debug().Str("host", req.URL.Host).Msg("Proxy bypass")
		}
		return result, err
	}
}

// retryLogger adapts the logger to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
