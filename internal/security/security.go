// Package security holds the perimeter middleware applied before routing
// reaches the access-control guard.
package security

import (
	"net"
	"net/http"
	"strings"
)

// Recorder receives perimeter rejections. *observability.Metrics satisfies it.
type Recorder interface {
	RateLimited(rule string)
	PerimeterRejected(guard string)
}

type noopRecorder struct{}

func (noopRecorder) RateLimited(string)       {}
func (noopRecorder) PerimeterRejected(string) {}

// ClientIP returns the request's client address without port. It expects
// chi's RealIP middleware to have normalised RemoteAddr.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
