package relay

import "io"

// halfCloser is implemented by connections that support half-close
// (TCP sockets, QUIC streams). This allows signaling that one direction
// is done while keeping the other open.
type halfCloser interface {
	CloseWrite() error
}

// pump copies data bidirectionally between two connections until both
// directions finish. Each direction half-closes its destination when
// the source is drained, so neither side is left half-open.
func pump(near, far io.ReadWriter) (sent, received int64, err error) {
	errCh := make(chan error, 2)

	go func() {
		n, err := io.Copy(far, near)
		sent = n
		if hc, ok := far.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		n, err := io.Copy(near, far)
		received = n
		if hc, ok := near.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh

	if err1 != nil {
		return sent, received, err1
	}
	return sent, received, err2
}
