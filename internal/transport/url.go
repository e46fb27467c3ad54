package transport

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	websocketPath = "/ws"
	pollingPath   = "/poll"
)

// endpointURL rewrites endpoint for the given transport: ws(s)://host/ws for
// websocket and http(s)://host/poll for polling. Any path already on the
// endpoint is kept as a prefix.
func endpointURL(endpoint string, kind Kind) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}

	secure := u.Scheme == "https" || u.Scheme == "wss"
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}

	prefix := strings.TrimSuffix(u.Path, "/")
	switch kind {
	case KindWebsocket:
		u.Scheme = "ws"
		if secure {
			u.Scheme = "wss"
		}
		u.Path = prefix + websocketPath
	case KindPolling:
		u.Scheme = "http"
		if secure {
			u.Scheme = "https"
		}
		u.Path = prefix + pollingPath
	default:
		return "", fmt.Errorf("unknown transport %q", kind)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
