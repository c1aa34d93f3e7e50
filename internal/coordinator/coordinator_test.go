package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryBegin_SecondCallFailsWhileActive(t *testing.T) {
	c := New()
	h1, err := c.TryBegin(context.Background(), "C1:100")
	require.NoError(t, err)
	assert.True(t, c.IsRequestActive("C1:100"))

	_, err = c.TryBegin(context.Background(), "C1:100")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	h1.Finish()
	assert.False(t, c.IsRequestActive("C1:100"))
}

func TestTryBegin_DifferentSessionsIndependent(t *testing.T) {
	c := New()
	h1, err := c.TryBegin(context.Background(), "C1:100")
	require.NoError(t, err)
	_, err = c.TryBegin(context.Background(), "C1:200")
	require.NoError(t, err)
	assert.Equal(t, 2, c.ActiveCount())
	h1.Finish()
}

func TestCancel_SignalsContextAndWaitsForFinish(t *testing.T) {
	c := New()
	h, err := c.TryBegin(context.Background(), "C1:100")
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		<-h.Ctx.Done()
		time.Sleep(5 * time.Millisecond)
		h.Finish()
		close(finished)
	}()

	ok := c.Cancel(context.Background(), "C1:100")
	assert.True(t, ok)
	<-finished
	assert.False(t, c.IsRequestActive("C1:100"))
}

func TestCancel_NoActiveRequest(t *testing.T) {
	c := New()
	assert.False(t, c.Cancel(context.Background(), "nope"))
}

func TestHandle_FinishReleasesSlotForReuse(t *testing.T) {
	c := New()
	h1, err := c.TryBegin(context.Background(), "C1:100")
	require.NoError(t, err)
	h1.Finish()

	h2, err := c.TryBegin(context.Background(), "C1:100")
	require.NoError(t, err)
	assert.NotEqual(t, h1.Token, h2.Token)
	h2.Finish()
}
