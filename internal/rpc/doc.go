// Package rpc turns method calls into asynchronous messages between isolated
// in-process endpoints.
//
// An Endpoint owns one goroutine and a mailbox; its handlers never run
// concurrently with each other. Arguments and replies cross the boundary as
// JSON bytes, so caller and callee never share mutable memory. A Ref names an
// endpoint and is the only thing passed around when one side needs to call
// the other back.
package rpc
