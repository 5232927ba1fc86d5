//go:build !linux
// +build !linux

package sameuser

import "net"

// CanAccept always accepts: the owner of a connection is only known on
// linux.
func CanAccept(listenAddr, localAddr, remoteAddr net.Addr) bool {
	return true
}
