package health

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusOK })
	c.Register("engine", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(ctx context.Context) Status { return StatusOK })
	c.Register("engine", func(ctx context.Context) Status { return StatusDown })

	r := c.Run(context.Background())
	assert.False(t, r.Ready)
	assert.Equal(t, StatusDown, r.Checks["engine"])
	assert.Equal(t, r, c.Last())
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("host", Optional(func() bool { return false }))

	r := c.Run(context.Background())
	assert.True(t, r.Ready)
	assert.Equal(t, StatusDegraded, r.Checks["host"])
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestFromError(t *testing.T) {
	assert.Equal(t, StatusOK, FromError(func() error { return nil })(context.Background()))
	assert.Equal(t, StatusDown, FromError(func() error { return errors.New("closed") })(context.Background()))
}
