//go:build !linux

package pbench

import (
	"context"
	"net"

	"github.com/alarmfox/woonsocket/internal/uring"
)

func (s *RingServer) Serve(ctx context.Context, ln net.Listener) error {
	ln.Close()
	return uring.ErrNotSupported
}
