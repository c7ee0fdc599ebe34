package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrNoEndpoint    = errors.New("rpc: no endpoint at address")
	ErrUnknownMethod = errors.New("rpc: unknown method")
	ErrClosed        = errors.New("rpc: endpoint closed")
	ErrAddrInUse     = errors.New("rpc: address already bound")
)

// RemoteError is a failure raised on the far side of a call: a handler error
// or a recovered panic. Only the message survives the boundary.
type RemoteError struct {
	Addr    string `json:"addr"`
	Method  string `json:"method"`
	Message string `json:"message"`
	Panic   bool   `json:"panic,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Panic {
		return fmt.Sprintf("rpc %s.%s panicked: %s", e.Addr, e.Method, e.Message)
	}
	return fmt.Sprintf("rpc %s.%s: %s", e.Addr, e.Method, e.Message)
}

// IsRemote reports whether err came from a remote handler.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
