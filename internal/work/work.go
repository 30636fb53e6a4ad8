// Package work describes the unit of work a server performs per request.
package work

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

type Kind uint8

const (
	KindImmediate Kind = iota
	KindConst
	KindPoisson
	KindPayload
	KindBusyTime
	KindBusyWork
)

func (k Kind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindConst:
		return "const"
	case KindPoisson:
		return "poisson"
	case KindPayload:
		return "payload"
	case KindBusyTime:
		return "busytime"
	case KindBusyWork:
		return "busywork"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k <= KindBusyWork
}

// PayloadSizes are the response sizes a Payload work picks from.
var PayloadSizes = [...]int{64, 256, 512, 1024}

var (
	ErrUnknownFormat = errors.New("unknown work format, expected [immediate|const|poisson|busytime|busywork|payload]:[amount]")
	ErrZeroPoisson   = errors.New("poisson-distributed work amount must be nonzero")
	ErrAmount        = errors.New("cannot parse work amount as u64")
)

// Work is a declarative workload. Amount is microseconds for Const,
// Poisson and BusyTime, iterations for BusyWork and unused otherwise.
type Work struct {
	Kind   Kind
	Amount uint64
}

func Immediate() Work { return Work{Kind: KindImmediate} }

func Const(us uint64) Work { return Work{Kind: KindConst, Amount: us} }

func Payload() Work { return Work{Kind: KindPayload} }

func BusyTime(us uint64) Work { return Work{Kind: KindBusyTime, Amount: us} }

func BusyWork(iterations uint64) Work { return Work{Kind: KindBusyWork, Amount: iterations} }

// Poisson returns a work whose duration is sampled around a mean of us
// microseconds. The mean must be nonzero.
func Poisson(us uint64) (Work, error) {
	if us == 0 {
		return Work{}, ErrZeroPoisson
	}
	return Work{Kind: KindPoisson, Amount: us}, nil
}

// Validate checks the invariants a decoded Work must hold.
func (w Work) Validate() error {
	if !w.Kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownFormat, w.Kind)
	}
	if w.Kind == KindPoisson && w.Amount == 0 {
		return ErrZeroPoisson
	}
	return nil
}

// Parse reads the kind[:amount] form.
func Parse(s string) (Work, error) {
	kind, amount, hasAmount := strings.Cut(s, ":")
	if hasAmount && strings.Contains(amount, ":") {
		return Work{}, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}

	switch kind {
	case "immediate", "imm":
		if hasAmount {
			return Work{}, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
		}
		return Immediate(), nil
	case "payload":
		if hasAmount {
			return Work{}, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
		}
		return Payload(), nil
	case "const", "poisson", "busytime", "bt", "busywork", "bw":
	default:
		return Work{}, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
	if !hasAmount {
		return Work{}, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}

	n, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return Work{}, fmt.Errorf("%w %q: %w", ErrAmount, amount, err)
	}

	switch kind {
	case "const":
		return Const(n), nil
	case "poisson":
		return Poisson(n)
	case "busytime", "bt":
		return BusyTime(n), nil
	default:
		return BusyWork(n), nil
	}
}

func (w Work) String() string {
	switch w.Kind {
	case KindImmediate:
		return "imm"
	case KindPayload:
		return "payload"
	default:
		return w.Kind.String() + ":" + strconv.FormatUint(w.Amount, 10)
	}
}

// Set and Type let a Work be used directly as a pflag value.
func (w *Work) Set(s string) error {
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

func (w *Work) Type() string { return "work" }

// sink keeps the busy-work loop from being optimised away.
var sink float64

// Perform executes the work on the calling goroutine and returns the
// response payload, if any. Timed kinds spin on the monotonic clock instead
// of sleeping so scheduler wakeup latency does not leak into measurements.
func (w Work) Perform() []byte {
	switch w.Kind {
	case KindConst, KindBusyTime:
		spin(time.Duration(w.Amount) * time.Microsecond)
	case KindPoisson:
		spin(poissonDuration(w.Amount))
	case KindBusyWork:
		const k = 2350845.545
		var acc float64
		for i := uint64(0); i < w.Amount; i++ {
			acc += math.Sqrt(k * float64(i))
		}
		sink = acc
	case KindPayload:
		return make([]byte, PayloadSizes[rand.IntN(len(PayloadSizes))])
	}
	return nil
}

func spin(d time.Duration) {
	start := time.Now()
	for time.Since(start) < d {
	}
}

func poissonDuration(mean uint64) time.Duration {
	p := distuv.Poisson{Lambda: float64(mean)}
	return time.Duration(p.Rand()) * time.Microsecond
}

// Random returns an arbitrary valid work with small amounts.
func Random(r *rand.Rand) Work {
	switch r.IntN(6) {
	case 0:
		return Immediate()
	case 1:
		return Const(r.Uint64N(99) + 1)
	case 2:
		return Work{Kind: KindPoisson, Amount: r.Uint64N(99) + 1}
	case 3:
		return BusyTime(r.Uint64N(99) + 1)
	case 4:
		return BusyWork(r.Uint64N(99) + 1)
	default:
		return Payload()
	}
}
