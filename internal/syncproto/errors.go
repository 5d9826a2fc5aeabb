package syncproto

import (
	"errors"
	"fmt"
)

// ProtocolError is a typed error the backend returned for a request:
// auth rejection, malformed message, or a push/pull error response.
// It does not indicate a broken connection; the engine may continue
// operating offline.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

// IsAuthRejected reports whether err is an authorization rejection from
// the backend.
func IsAuthRejected(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == ErrCodeAuthRejected
}

// ConnectivityError reports that retries with backoff were exhausted or
// the connection is gone. Local commit capability is unaffected; the
// caller decides between staying offline and shutting down.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is a terminal connectivity error.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
