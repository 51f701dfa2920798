package llm

import (
	"net"
	"net/url"
	"strings"
	"time"
)

// DefaultProbeTimeout bounds the TCP pre-flight.
const DefaultProbeTimeout = time.Second

// CheckConnectivity attempts a bare TCP connect to the endpoint's host:port.
// No HTTP handshake happens; the point is to distinguish "nothing listening"
// from semantic errors at the protocol layer. Process URLs always pass.
func CheckConnectivity(rawURL string, timeout time.Duration) error {
	if DetectProvider(rawURL) == KindProcess {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return &TransportError{Kind: ErrUnreachable, URL: rawURL, Detail: "invalid endpoint URL (no host)"}
	}

	port := parsed.Port()
	if port == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}

	addr := net.JoinHostPort(parsed.Hostname(), port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return &TransportError{
			Kind:   ErrUnreachable,
			URL:    rawURL,
			Detail: "unable to connect to " + addr + " (" + err.Error() + ")",
			Err:    err,
		}
	}
	conn.Close()
	return nil
}
