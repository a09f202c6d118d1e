package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreeConsecutiveLossesTrip(t *testing.T) {
	m := NewManager()

	assert.False(t, m.RegisterTradeResult(-1))
	assert.False(t, m.RegisterTradeResult(-2))
	assert.True(t, m.RegisterTradeResult(-0.5))
	assert.Equal(t, 3, m.ConsecutiveLosses())
}

func TestWinResetsStreak(t *testing.T) {
	m := NewManager()

	m.RegisterTradeResult(-1)
	m.RegisterTradeResult(-1)
	assert.False(t, m.RegisterTradeResult(5), "win breaks the streak")
	assert.Zero(t, m.ConsecutiveLosses())
	assert.False(t, m.RegisterTradeResult(-1))
}

func TestZeroPnlCountsAsWin(t *testing.T) {
	m := NewManager()

	m.RegisterTradeResult(-1)
	m.RegisterTradeResult(-1)
	assert.False(t, m.RegisterTradeResult(0))
	assert.Zero(t, m.ConsecutiveLosses())
}

func TestReset(t *testing.T) {
	m := NewManager()
	m.RegisterTradeResult(-1)
	m.Reset()
	assert.Zero(t, m.ConsecutiveLosses())
}
