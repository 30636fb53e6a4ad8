//go:build !linux

package uring

// Ring is unavailable outside Linux.
type Ring struct{}

func New(entries uint32) (*Ring, error) {
	return nil, ErrNotSupported
}

func (r *Ring) Close() error {
	return ErrClosed
}
