// Package qr prints client connect URLs as terminal QR codes, so a device
// can pick up its identity token by scanning.
package qr

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/mdp/qrterminal/v3"
)

// ConnectURL builds the external websocket URL for token on the gateway at
// base. base may be a host:port or an http(s)/ws(s) URL.
func ConnectURL(base, token string) (string, error) {
	if token == "" {
		return "", errors.New("token required")
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", errors.New("base address required")
	}
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/external"
	u.RawQuery = url.Values{"token": []string{token}}.Encode()
	return u.String(), nil
}

func RenderANSI(w io.Writer, data string) error {
	if data == "" {
		return errors.New("nothing to render")
	}
	cfg := qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 2,
	}
	qrterminal.GenerateWithConfig(data, cfg)
	return nil
}
