//go:build linux

package netutil

import (
	"net"
	"syscall"
	"unsafe"
)

/* the State head of linux/tcp.h tcp_info, the rest is not needed */
type tcpInfo struct {
	State uint8
}

const tcpEstablished = 1

// Alive reports whether a pooled TCP connection is still in the
// ESTABLISHED state. A peer that went away half-closed sits in
// CLOSE_WAIT, which a read probe only discovers after the connection
// was already handed out. Non-TCP connections are assumed alive.
func Alive(nc net.Conn) bool {
	tcp, ok := nc.(*net.TCPConn)
	if !ok {
		return true
	}

	raw, err := tcp.SyscallConn()
	if err != nil {
		return false
	}

	alive := false
	if err := raw.Control(func(fd uintptr) {
		var info tcpInfo
		infoLen := uint32(unsafe.Sizeof(info))

		_, _, errno := syscall.Syscall6(
			syscall.SYS_GETSOCKOPT,
			fd,
			syscall.SOL_TCP,
			syscall.TCP_INFO,
			uintptr(unsafe.Pointer(&info)),
			uintptr(unsafe.Pointer(&infoLen)),
			0,
		)
		if errno != 0 {
			return
		}

		alive = info.State == tcpEstablished
	}); err != nil {
		return false
	}

	return alive
}
