package runtime

import (
	"context"
	"fmt"

	buserr "github.com/agentbus/agentbus/internal/runtime/errors"
	"github.com/agentbus/agentbus/internal/runtime/message"
)

// Typed adapts a handler for one concrete message kind into a Handler.
// Deliveries of any other kind fail with ErrUnexpectedMessageType, so pair
// it with a matching type filter unless failing is what you want.
func Typed[T message.Message](fn func(ctx context.Context, msg T) error) Handler {
	return func(ctx context.Context, msg message.Message) error {
		typed, ok := msg.(T)
		if !ok {
			return fmt.Errorf("%w: got %s", buserr.ErrUnexpectedMessageType, msg.Kind())
		}
		return fn(ctx, typed)
	}
}

// SubscribeRequests registers a handler that only receives request messages.
func (b *Bus) SubscribeRequests(id string, fn func(ctx context.Context, req *message.Request) error, opts ...SubscribeOption) error {
	if fn == nil {
		return buserr.ErrHandlerRequired
	}
	opts = append(opts, WithMessageTypes(message.TypeRequest))
	return b.Subscribe(id, Typed(fn), opts...)
}

// SubscribeResponses registers a handler that only receives response
// messages.
func (b *Bus) SubscribeResponses(id string, fn func(ctx context.Context, res *message.Response) error, opts ...SubscribeOption) error {
	if fn == nil {
		return buserr.ErrHandlerRequired
	}
	opts = append(opts, WithMessageTypes(message.TypeResponse))
	return b.Subscribe(id, Typed(fn), opts...)
}

// SubscribeErrors registers a handler that only receives error messages.
func (b *Bus) SubscribeErrors(id string, fn func(ctx context.Context, errMsg *message.ErrorMessage) error, opts ...SubscribeOption) error {
	if fn == nil {
		return buserr.ErrHandlerRequired
	}
	opts = append(opts, WithMessageTypes(message.TypeError))
	return b.Subscribe(id, Typed(fn), opts...)
}

// SubscribeStatus registers a handler that only receives status updates.
func (b *Bus) SubscribeStatus(id string, fn func(ctx context.Context, status *message.StatusUpdate) error, opts ...SubscribeOption) error {
	if fn == nil {
		return buserr.ErrHandlerRequired
	}
	opts = append(opts, WithMessageTypes(message.TypeStatus))
	return b.Subscribe(id, Typed(fn), opts...)
}

// SubscribeContext registers a handler that only receives context updates.
func (b *Bus) SubscribeContext(id string, fn func(ctx context.Context, update *message.ContextUpdate) error, opts ...SubscribeOption) error {
	if fn == nil {
		return buserr.ErrHandlerRequired
	}
	opts = append(opts, WithMessageTypes(message.TypeContext))
	return b.Subscribe(id, Typed(fn), opts...)
}
