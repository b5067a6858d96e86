//go:build !linux

package netutil

import "net"

// Alive always reports true where TCP_INFO is unavailable. A dead
// connection then surfaces as an error on first use.
func Alive(net.Conn) bool {
	return true
}
