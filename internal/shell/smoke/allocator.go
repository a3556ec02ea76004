// Package smoke deploys a freshly built artifact, waits for it to turn
// ready, probes it over HTTP, and tears it down on every exit path.
package smoke

import (
	"fmt"
	"net"
)

// =============================================================================
// Port Reservation
// =============================================================================

// Reservation is a host port held open by a live listener. Holding the bind
// until just before the container starts makes the allocation atomic: two
// concurrent runs can never reserve the same port, regardless of how their
// run numbers relate modulo the legacy derivation scheme.
type Reservation struct {
	ln   net.Listener
	port int
}

// Port returns the reserved port.
func (r *Reservation) Port() int {
	return r.port
}

// Release closes the holding listener, freeing the port for the container
// about to bind it. Safe to call more than once.
func (r *Reservation) Release() error {
	if r.ln == nil {
		return nil
	}
	err := r.ln.Close()
	r.ln = nil
	return err
}

// ReservePort reserves a host port by binding and holding it. The preferred
// port is tried first; if it is taken, the kernel assigns a free one.
func ReservePort(preferred int) (*Reservation, error) {
	if preferred > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", preferred))
		if err == nil {
			return &Reservation{ln: ln, port: preferred}, nil
		}
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("reserve port: %w", err)
	}
	return &Reservation{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}, nil
}
