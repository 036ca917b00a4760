package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

const dialTimeout = 2 * time.Second

// TCPDialer resolves peer ids to host:port addresses and dials plain TCP.
// This is the Dialer a live node wires Transport with; tests substitute a
// mock Dialer instead (see mock_dialer_test.go).
type TCPDialer struct {
	addrs map[string]string
}

// NewTCPDialer returns a TCPDialer over a fixed peer id -> "host:port" table.
func NewTCPDialer(addrs map[string]string) *TCPDialer {
	return &TCPDialer{addrs: addrs}
}

func (d *TCPDialer) Dial(peer string) (net.Conn, error) {
	addr, ok := d.addrs[peer]
	if !ok {
		return nil, errors.Errorf("transport: no known address for peer %q", peer)
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: dial %q", peer)
	}
	return conn, nil
}
