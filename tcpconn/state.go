package tcpconn

import (
	"errors"

	"github.com/bassosimone/errclass"
)

// State is the observable status of a Connection.
type State int32

const (
	Disconnected State = iota // no usable socket; momentary while the connection is still wanted
	Connecting                // a connect attempt is in progress
	Connected                 // a socket is established and its reader is running
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

var (
	// ErrNotConnected is returned by Send when there is no live socket.
	ErrNotConnected = errors.New("not connected")
	// ErrWriteFailed wraps the underlying error of a failed write.
	ErrWriteFailed = errors.New("write failed")
	// ErrConnectFailed wraps the underlying error of a failed connect attempt.
	ErrConnectFailed = errors.New("connect failed")
	// ErrReadFailed wraps a read error observed by the reader loop.
	ErrReadFailed = errors.New("read failed")
	// ErrPeerClosed reports that the peer closed its side of the socket.
	ErrPeerClosed = errors.New("peer closed the connection")
	// ErrClosed is returned once the connection was destructively disconnected.
	ErrClosed = errors.New("connection closed")
)

// Classify maps err to a short errno-style label (ECONNREFUSED, ETIMEDOUT,
// ...) suitable for logs and event fields. It returns "" for nil.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	return errclass.New(err)
}
