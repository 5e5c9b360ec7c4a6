package scheduler

import (
	"testing"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func spent(gas string, ok bool) *domain.RebalanceExecution {
	return &domain.RebalanceExecution{TotalGasCostUSD: d(gas), Success: ok}
}

func TestBudget_RebalanceLimitAndReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 15, 22, 0, 0, 0, time.Local)}
	b, err := NewBudget("0 0 * * *", 2, d("25"), clock.now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, time.Local), b.Usage().ResetAt)

	require.NoError(t, b.Allow(d("0.01")))
	b.Record(spent("0.01", true))
	b.Record(spent("0.01", true))

	err = b.Allow(d("0.01"))
	assert.ErrorIs(t, err, domain.ErrBudgetExhausted)
	assert.ErrorIs(t, b.Exhausted(), domain.ErrBudgetExhausted)

	clock.advance(time.Hour)
	assert.NoError(t, b.Exhausted())
	usage := b.Usage()
	assert.Zero(t, usage.Rebalances)
	assert.True(t, usage.GasUSD.IsZero())
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.Local), usage.ResetAt)
}

func TestBudget_GasLimitCountsFailedExecutions(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 15, 9, 0, 0, 0, time.Local)}
	b, err := NewBudget("0 0 * * *", 10, d("0.05"), clock.now)
	require.NoError(t, err)

	b.Record(spent("0.02", false))
	b.Record(spent("0.02", true))

	usage := b.Usage()
	assert.Equal(t, 1, usage.Rebalances)
	assert.True(t, usage.GasUSD.Equal(d("0.04")))

	assert.NoError(t, b.Exhausted())
	assert.ErrorIs(t, b.Allow(d("0.02")), domain.ErrBudgetExhausted, "estimate would overshoot")
	assert.NoError(t, b.Allow(d("0.01")))

	b.Record(spent("0.01", true))
	assert.ErrorIs(t, b.Exhausted(), domain.ErrBudgetExhausted)
}

func TestBudget_CountersNeverDecreaseWithinDay(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 15, 0, 30, 0, 0, time.Local)}
	b, err := NewBudget("0 0 * * *", 3, d("1"), clock.now)
	require.NoError(t, err)

	prev := b.Usage()
	for i := 0; i < 20; i++ {
		clock.advance(time.Hour)
		if b.Allow(d("0.1")) == nil {
			b.Record(spent("0.1", i%3 != 0))
		}
		cur := b.Usage()
		if cur.ResetAt.Equal(prev.ResetAt) {
			assert.GreaterOrEqual(t, cur.Rebalances, prev.Rebalances)
			assert.True(t, cur.GasUSD.GreaterThanOrEqual(prev.GasUSD))
		}
		assert.LessOrEqual(t, cur.Rebalances, 3)
		assert.True(t, cur.GasUSD.LessThanOrEqual(d("1")))
		prev = cur
	}
}

func TestNewBudget_RejectsBadSchedule(t *testing.T) {
	_, err := NewBudget("every day", 1, d("1"), nil)
	assert.Error(t, err)
}

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	assert.Empty(t, r.Items())

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1, 2}, r.Items())

	r.Push(3)
	r.Push(4)
	r.Push(5)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Items())

	items := r.Items()
	items[0] = 99
	assert.Equal(t, []int{3, 4, 5}, r.Items(), "Items returns a copy")

	zero := NewRing[string](0)
	zero.Push("a")
	zero.Push("b")
	assert.Equal(t, []string{"b"}, zero.Items())
}
