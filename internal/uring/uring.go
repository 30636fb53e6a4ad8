// Package uring is a minimal binding to the Linux io_uring interface: one
// submission queue, one completion queue, and helpers for the handful of
// socket operations a single-threaded reactor needs.
package uring

import "errors"

var (
	ErrNotSupported = errors.New("io_uring is not supported on this system")
	ErrClosed       = errors.New("ring closed")
)

// CQE is a completion queue entry as laid out by the kernel.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// SQE is a submission queue entry as laid out by the kernel.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_           uint64
}

const (
	opPollAdd uint8 = 6
	opAccept  uint8 = 13
	opSend    uint8 = 26
	opRecv    uint8 = 27
)
