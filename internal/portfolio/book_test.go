package portfolio

import (
	"testing"
	"time"

	"tradeloop/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestBookViewIsACopy(t *testing.T) {
	b := NewBook("")
	assert.Equal(t, DefaultID, b.ID())

	positions := []types.PositionSnapshot{{Symbol: "BTCUSDT", Side: types.SideLong, Size: 1}}
	now := time.Unix(1700000000, 0)
	b.Update(types.Balance{Total: 1000, Available: 800}, positions, -12.5, now)
	positions[0].Size = 99

	v := b.View()
	assert.Equal(t, 1.0, v.Positions[0].Size)
	assert.Equal(t, -12.5, v.WeeklyPnL)
	assert.Equal(t, now, v.UpdatedAt)

	v.Positions[0].Size = 42
	assert.Equal(t, 1.0, b.View().Positions[0].Size)

	p, ok := v.Find("BTCUSDT", types.SideLong)
	assert.True(t, ok)
	assert.Equal(t, "BTCUSDT", p.Symbol)
	_, ok = v.Find("BTCUSDT", types.SideShort)
	assert.False(t, ok)

	b.Reset()
	assert.Empty(t, b.View().Positions)
	assert.Equal(t, DefaultID, b.View().ID)
}
