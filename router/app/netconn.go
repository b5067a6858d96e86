package app

import (
	"net"

	"github.com/pgdog-io/pgdog/pkg/stats"
)

// meteredConn feeds the global traffic counters. Reads arrive from
// the client, writes go back to it, TLS record overhead included
// once the connection is upgraded.
type meteredConn struct {
	net.Conn
}

func (c meteredConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	stats.AddBytesReceived(int64(n))
	return n, err
}

func (c meteredConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	stats.AddBytesSent(int64(n))
	return n, err
}
