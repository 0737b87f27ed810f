package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/catalog/config"
)

func TestDisabledTracerIsSafe(t *testing.T) {
	tracer, err := NewTracer(config.TracingConfig{})
	require.NoError(t, err)
	assert.Nil(t, tracer.Application())

	txn, end := Trace(context.Background(), tracer, "command/CreateProduct")
	assert.Nil(t, txn)

	tracer.AddAttribute(txn, "aggregateID", "x")
	tracer.RecordError(txn, errors.New("boom"))
	end()
	tracer.Close()
}
