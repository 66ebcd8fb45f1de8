package readiness

import (
	"net"

	"github.com/mdlayher/vsock"
)

// vsockListen opens the AF_VSOCK listener WaitVsock accepts on, via
// vsock.Listen.
func vsockListen(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}
