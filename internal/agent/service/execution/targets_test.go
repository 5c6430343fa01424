package execution

import (
	"testing"

	"tradeloop/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestRecomputeSamePriceIsIdentity(t *testing.T) {
	in := Targets{TakeProfit: 110, StopLoss: 95}
	assert.Equal(t, in, Recompute(in, 100, 100))
	assert.Equal(t, in, Recompute(in, 0, 102))
	assert.Equal(t, in, Recompute(in, 100, 0))
}

func TestRecomputeKeepsPercentDistance(t *testing.T) {
	out := Recompute(Targets{TakeProfit: 110, StopLoss: 95}, 100, 102)
	assert.InDelta(t, 112.2, out.TakeProfit, 1e-9)
	assert.InDelta(t, 96.9, out.StopLoss, 1e-9)

	// 未设置的目标保持为 0
	out = Recompute(Targets{TakeProfit: 0, StopLoss: 52}, 50, 48)
	assert.Zero(t, out.TakeProfit)
	assert.InDelta(t, 49.92, out.StopLoss, 1e-9)
}

func TestSane(t *testing.T) {
	cases := []struct {
		name string
		side types.Side
		t    Targets
		want bool
	}{
		{"long ok", types.SideLong, Targets{TakeProfit: 105, StopLoss: 95}, true},
		{"long tp below", types.SideLong, Targets{TakeProfit: 99, StopLoss: 95}, false},
		{"long sl above", types.SideLong, Targets{TakeProfit: 105, StopLoss: 101}, false},
		{"short ok", types.SideShort, Targets{TakeProfit: 95, StopLoss: 105}, true},
		{"short inverted", types.SideShort, Targets{TakeProfit: 105, StopLoss: 95}, false},
		{"missing tp", types.SideLong, Targets{StopLoss: 95}, false},
		{"unknown side", types.Side(""), Targets{TakeProfit: 105, StopLoss: 95}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sane(tc.side, 100, tc.t))
		})
	}
	assert.False(t, Sane(types.SideLong, 0, Targets{TakeProfit: 105, StopLoss: 95}))
}

func TestDefaultTargets(t *testing.T) {
	long := Default(types.SideLong, 100, 3, 1.5)
	assert.InDelta(t, 103, long.TakeProfit, 1e-9)
	assert.InDelta(t, 98.5, long.StopLoss, 1e-9)

	short := Default(types.SideShort, 48, 3, 1.5)
	assert.InDelta(t, 46.56, short.TakeProfit, 1e-9)
	assert.InDelta(t, 48.72, short.StopLoss, 1e-9)
}

func TestResolveLong(t *testing.T) {
	out, fallback := Resolve(types.SideLong, Targets{TakeProfit: 110, StopLoss: 95}, 100, 102, 3, 1.5)
	assert.False(t, fallback)
	assert.InDelta(t, 112.2, out.TakeProfit, 1e-9)
	assert.InDelta(t, 96.9, out.StopLoss, 1e-9)

	// 止损在价格上方，回退到默认距离
	out, fallback = Resolve(types.SideLong, Targets{TakeProfit: 110, StopLoss: 101}, 100, 100, 3, 1.5)
	assert.True(t, fallback)
	assert.Equal(t, Default(types.SideLong, 100, 3, 1.5), out)
	assert.InDelta(t, 103, out.TakeProfit, 1e-9)
	assert.InDelta(t, 98.5, out.StopLoss, 1e-9)
}

func TestResolveShort(t *testing.T) {
	out, fallback := Resolve(types.SideShort, Targets{TakeProfit: 45, StopLoss: 52}, 50, 48, 3, 1.5)
	assert.False(t, fallback)
	assert.InDelta(t, 43.2, out.TakeProfit, 1e-9)
	assert.InDelta(t, 49.92, out.StopLoss, 1e-9)

	out, fallback = Resolve(types.SideShort, Targets{TakeProfit: 0, StopLoss: 52}, 50, 48, 3, 1.5)
	assert.True(t, fallback)
	assert.InDelta(t, 46.56, out.TakeProfit, 1e-9)
	assert.InDelta(t, 48.72, out.StopLoss, 1e-9)
}
