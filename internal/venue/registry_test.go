package venue

import (
	"errors"
	"testing"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/venue/paper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	ledger := paper.NewLedger()
	reg := NewRegistry(paper.NewVenue("compound", ledger), paper.NewVenue("aave", ledger))

	assert.Equal(t, []string{"aave", "compound"}, reg.Names())
	assert.True(t, reg.Has("aave"))

	c, err := reg.Get("aave")
	require.NoError(t, err)
	assert.Equal(t, "aave", c.Name())

	_, err = reg.Get("morpho")
	assert.True(t, errors.Is(err, domain.ErrUnknownVenue))
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	ledger := paper.NewLedger()
	reg := NewRegistry()
	first := paper.NewVenue("aave", ledger)
	second := paper.NewVenue("aave", ledger)

	reg.Register(first)
	reg.Register(second)

	c, err := reg.Get("aave")
	require.NoError(t, err)
	assert.Same(t, second, c)
	assert.Len(t, reg.Names(), 1)
}
