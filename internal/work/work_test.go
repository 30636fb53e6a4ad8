package work

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Work
		err  error
	}{
		{in: "immediate", want: Immediate()},
		{in: "imm", want: Immediate()},
		{in: "payload", want: Payload()},
		{in: "const:2", want: Const(2)},
		{in: "poisson:2", want: Work{Kind: KindPoisson, Amount: 2}},
		{in: "bt:2", want: BusyTime(2)},
		{in: "busytime:2", want: BusyTime(2)},
		{in: "bw:2", want: BusyWork(2)},
		{in: "busywork:2", want: BusyWork(2)},

		{in: "imm:2", err: ErrUnknownFormat},
		{in: "imm:foo", err: ErrUnknownFormat},
		{in: "payload:3", err: ErrUnknownFormat},
		{in: "foo", err: ErrUnknownFormat},
		{in: "", err: ErrUnknownFormat},
		{in: "const", err: ErrUnknownFormat},
		{in: "const:1:2", err: ErrUnknownFormat},
		{in: "const:foo", err: ErrAmount},
		{in: "const:-1", err: ErrAmount},
		{in: "poisson:0", err: ErrZeroPoisson},
		{in: "poisson:foo", err: ErrAmount},
		{in: "busytime:foo", err: ErrAmount},
		{in: "busywork:foo", err: ErrAmount},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStringRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		w := Random(r)
		got, err := Parse(w.String())
		require.NoError(t, err, w.String())
		assert.Equal(t, w, got)
	}
}

func TestPoissonRejectsZero(t *testing.T) {
	_, err := Poisson(0)
	assert.ErrorIs(t, err, ErrZeroPoisson)

	w, err := Poisson(7)
	require.NoError(t, err)
	assert.Equal(t, KindPoisson, w.Kind)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Const(1).Validate())
	assert.ErrorIs(t, Work{Kind: KindPoisson}.Validate(), ErrZeroPoisson)
	assert.ErrorIs(t, Work{Kind: Kind(42)}.Validate(), ErrUnknownFormat)
}

func TestSet(t *testing.T) {
	var w Work
	require.NoError(t, w.Set("bw:10"))
	assert.Equal(t, BusyWork(10), w)
	assert.Error(t, w.Set("nope"))
	assert.Equal(t, "work", w.Type())
}

func TestPerformConstSpins(t *testing.T) {
	for _, w := range []Work{Const(2000), BusyTime(2000)} {
		start := time.Now()
		assert.Nil(t, w.Perform())
		assert.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond, w.String())
	}
}

func TestPerformPayloadSizes(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		p := Payload().Perform()
		assert.Contains(t, PayloadSizes[:], len(p))
		seen[len(p)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestPerformNoPayload(t *testing.T) {
	assert.Nil(t, Immediate().Perform())
	assert.Nil(t, BusyWork(1000).Perform())
	assert.Nil(t, Work{Kind: KindPoisson, Amount: 10}.Perform())
}
