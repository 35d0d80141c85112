package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// ConnectivityTracker records the last known reachability of the remote
// store so read paths can skip doomed remote calls while offline. Probes are
// cheap flag flips; the tracker never blocks.
type ConnectivityTracker struct {
	offline   atomic.Bool
	lastError atomic.Int64 // unix nanos of the last network failure
	retryAfter time.Duration
}

// NewConnectivityTracker constructs a tracker that considers the remote
// worth re-probing after retryAfter has elapsed since the last failure.
func NewConnectivityTracker(retryAfter time.Duration) *ConnectivityTracker {
	if retryAfter <= 0 {
		retryAfter = 30 * time.Second
	}
	return &ConnectivityTracker{retryAfter: retryAfter}
}

// Online reports whether the remote should be attempted.
func (c *ConnectivityTracker) Online() bool {
	if c == nil {
		return true
	}
	if !c.offline.Load() {
		return true
	}
	last := time.Unix(0, c.lastError.Load())
	return time.Since(last) >= c.retryAfter
}

// MarkOffline records a network-classified failure.
func (c *ConnectivityTracker) MarkOffline() {
	if c == nil {
		return
	}
	c.offline.Store(true)
	c.lastError.Store(time.Now().UnixNano())
}

// MarkOnline records a successful remote round trip.
func (c *ConnectivityTracker) MarkOnline() {
	if c == nil {
		return
	}
	c.offline.Store(false)
}

// IsNetworkError classifies an error as a connectivity failure, as opposed
// to a remote rejecting a well-formed request.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"dial tcp",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
