//go:build linux

package uring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000

	enterGetEvents = 1 << 0
)

type sqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqringOffsets
	cqOff        cqringOffsets
}

// Ring owns one io_uring instance. It is not safe for concurrent use; the
// reactor that created it is its only user.
type Ring struct {
	fd int

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqArray []uint32
	sqes    []SQE

	// Entries handed out by getSQE but not yet published to the kernel.
	sqeHead uint32
	sqeTail uint32

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []CQE

	sqEntries uint32
	cqEntries uint32
}

// New sets up a ring with at least entries submission slots. The
// completion queue is sized by the kernel, normally twice as large.
func New(entries uint32) (*Ring, error) {
	var p params
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		if errno == unix.ENOSYS || errno == unix.EPERM {
			return nil, fmt.Errorf("%w: %w", ErrNotSupported, errno)
		}
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{fd: int(fd), sqEntries: p.sqEntries, cqEntries: p.cqEntries}
	if err := r.mmap(&p); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Ring) mmap(p *params) error {
	var err error
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_SHARED | unix.MAP_POPULATE

	r.sqMem, err = unix.Mmap(r.fd, offSQRing, int(p.sqOff.array+p.sqEntries*4), prot, flags)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.cqMem, err = unix.Mmap(r.fd, offCQRing, int(p.cqOff.cqes+p.cqEntries*uint32(unsafe.Sizeof(CQE{}))), prot, flags)
	if err != nil {
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	r.sqeMem, err = unix.Mmap(r.fd, offSQEs, int(p.sqEntries*uint32(unsafe.Sizeof(SQE{}))), prot, flags)
	if err != nil {
		return fmt.Errorf("mmap sqes: %w", err)
	}

	r.sqHead = u32(r.sqMem, p.sqOff.head)
	r.sqTail = u32(r.sqMem, p.sqOff.tail)
	r.sqMask = *u32(r.sqMem, p.sqOff.ringMask)
	r.sqArray = unsafe.Slice(u32(r.sqMem, p.sqOff.array), p.sqEntries)
	r.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&r.sqeMem[0])), p.sqEntries)

	r.cqHead = u32(r.cqMem, p.cqOff.head)
	r.cqTail = u32(r.cqMem, p.cqOff.tail)
	r.cqMask = *u32(r.cqMem, p.cqOff.ringMask)
	r.cqes = unsafe.Slice((*CQE)(unsafe.Pointer(&r.cqMem[p.cqOff.cqes])), p.cqEntries)
	return nil
}

func u32(mem []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

func (r *Ring) Close() error {
	if r.fd < 0 {
		return ErrClosed
	}
	var errs []error
	for _, mem := range [][]byte{r.sqeMem, r.cqMem, r.sqMem} {
		if mem != nil {
			errs = append(errs, unix.Munmap(mem))
		}
	}
	r.sqeMem, r.cqMem, r.sqMem = nil, nil, nil
	errs = append(errs, unix.Close(r.fd))
	r.fd = -1
	return errors.Join(errs...)
}

func (r *Ring) SQEntries() uint32 { return r.sqEntries }

func (r *Ring) CQEntries() uint32 { return r.cqEntries }

// getSQE returns the next free submission entry, zeroed, or nil when the
// submission queue is full.
func (r *Ring) getSQE() *SQE {
	head := atomic.LoadUint32(r.sqHead)
	if r.sqeTail-head >= r.sqEntries {
		return nil
	}
	sqe := &r.sqes[r.sqeTail&r.sqMask]
	*sqe = SQE{}
	r.sqeTail++
	return sqe
}

// PrepAccept queues an accept on a listening socket. The completion result
// is the accepted descriptor.
func (r *Ring) PrepAccept(fd int, userData uint64) bool {
	sqe := r.getSQE()
	if sqe == nil {
		return false
	}
	sqe.Opcode = opAccept
	sqe.Fd = int32(fd)
	sqe.OpFlags = unix.SOCK_CLOEXEC
	sqe.UserData = userData
	return true
}

// PrepRecv queues a receive into buf. buf must stay reachable until the
// completion is reaped.
func (r *Ring) PrepRecv(fd int, buf []byte, userData uint64) bool {
	sqe := r.getSQE()
	if sqe == nil {
		return false
	}
	sqe.Opcode = opRecv
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.Len = uint32(len(buf))
	sqe.UserData = userData
	return true
}

// PrepSend queues a send of buf. buf must stay reachable until the
// completion is reaped.
func (r *Ring) PrepSend(fd int, buf []byte, userData uint64) bool {
	sqe := r.getSQE()
	if sqe == nil {
		return false
	}
	sqe.Opcode = opSend
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.Len = uint32(len(buf))
	sqe.OpFlags = unix.MSG_NOSIGNAL
	sqe.UserData = userData
	return true
}

// PrepPollIn queues a one-shot poll for readability.
func (r *Ring) PrepPollIn(fd int, userData uint64) bool {
	sqe := r.getSQE()
	if sqe == nil {
		return false
	}
	sqe.Opcode = opPollAdd
	sqe.Fd = int32(fd)
	sqe.OpFlags = unix.POLLIN
	sqe.UserData = userData
	return true
}

// flush publishes prepared entries to the kernel and returns how many
// entries the kernel has not consumed yet.
func (r *Ring) flush() uint32 {
	tail := *r.sqTail
	for ; r.sqeHead != r.sqeTail; r.sqeHead++ {
		r.sqArray[tail&r.sqMask] = r.sqeHead & r.sqMask
		tail++
	}
	atomic.StoreUint32(r.sqTail, tail)
	return tail - atomic.LoadUint32(r.sqHead)
}

// SubmitAndWait submits every queued entry and blocks until at least
// waitNr completions are available. It returns the number of entries the
// kernel consumed. EINTR is returned as is so the caller can retry.
func (r *Ring) SubmitAndWait(waitNr uint32) (int, error) {
	toSubmit := r.flush()
	var flags uintptr
	if waitNr > 0 {
		flags |= enterGetEvents
	}
	n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(toSubmit), uintptr(waitNr), flags, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// Completions calls fn for every available completion and marks them
// consumed. fn may prepare new submissions.
func (r *Ring) Completions(fn func(CQE)) int {
	head := *r.cqHead
	tail := atomic.LoadUint32(r.cqTail)
	n := 0
	for ; head != tail; head++ {
		fn(r.cqes[head&r.cqMask])
		n++
	}
	atomic.StoreUint32(r.cqHead, head)
	return n
}
