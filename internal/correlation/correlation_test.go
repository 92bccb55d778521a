package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	id := New()
	assert.NotEmpty(t, id)
	assert.NotEqual(t, id, New())

	ctx := WithID(context.Background(), id)
	assert.Equal(t, id, ID(ctx))
	assert.Empty(t, ID(context.Background()))
}
