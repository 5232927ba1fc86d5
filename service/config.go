package service

import (
	"net"

	"github.com/nucleo-dbg/nkd/service/debugger"
)

// Config provides the configuration to start a Debugger and expose it with a
// service.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener

	// Debugger describes the target opened when the client launches or
	// attaches without arguments of its own.
	Debugger debugger.Config

	// DisconnectChan will be closed by the server when the client disconnects
	DisconnectChan chan<- struct{}
}
