// Package socketutil provides shared utilities for server detection.
package socketutil

import (
	"context"
	"net"

	"github.com/codefionn/iqdump/internal/consts"
	"github.com/codefionn/iqdump/internal/logger"
	"github.com/codefionn/iqdump/internal/socketclient"
)

// DetectionTimeout is how long to wait for a server to accept a connection
const DetectionTimeout = consts.Timeout1Second

// DialAddr turns a listen address into one a client can dial: an unspecified
// host such as 0.0.0.0 or :: becomes loopback.
func DialAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	ip := net.ParseIP(host)
	switch {
	case host == "":
		host = "127.0.0.1"
	case ip != nil && ip.IsUnspecified():
		if ip.To4() != nil {
			host = "127.0.0.1"
		} else {
			host = "::1"
		}
	}
	return net.JoinHostPort(host, port)
}

// DetectServer reports whether something accepts connections at addr.
// It connects and hangs up without sending a request, which the
// server treats as an ordinary disconnect.
func DetectServer(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, DetectionTimeout)
	defer cancel()

	cfg := socketclient.DefaultConfig()
	cfg.Addr = DialAddr(addr)
	cfg.ConnectTimeout = DetectionTimeout

	client, err := socketclient.Dial(ctx, cfg)
	if err != nil {
		logger.Debug("no server at %s: %v", cfg.Addr, err)
		return false
	}
	client.Close()

	logger.Debug("detected active server at %s", cfg.Addr)
	return true
}
