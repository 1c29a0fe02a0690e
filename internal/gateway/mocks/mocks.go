package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"ghostline/internal/events"
	"ghostline/internal/gateway"
)

// Gateway is a mock for gateway.Gateway.
type Gateway struct {
	mock.Mock
}

func (m *Gateway) Execute(ctx context.Context, q gateway.Query) (gateway.Result, error) {
	args := m.Called(ctx, q)
	if res, ok := args.Get(0).(gateway.Result); ok {
		return res, args.Error(1)
	}
	return gateway.Result{}, args.Error(1)
}

// Sink is a mock for events.Sink.
type Sink struct {
	mock.Mock
}

func (m *Sink) AssessmentClosed(ctx context.Context, c events.Closure) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}
