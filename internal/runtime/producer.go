package runtime

import (
	"context"

	"github.com/agentbus/agentbus/internal/runtime/message"
)

// Producer binds a sender identity to the bus so agent code can emit
// messages without repeating the sender on every call. Each method builds
// the message, publishes it, and returns it so callers can track ids and
// correlate replies.
type Producer struct {
	bus    *Bus
	sender string
}

// Producer returns a Producer publishing on behalf of sender.
func (b *Bus) Producer(sender string) *Producer {
	return &Producer{bus: b, sender: sender}
}

// Sender reports the identity this producer publishes as.
func (p *Producer) Sender() string {
	return p.sender
}

// Request publishes an action request.
func (p *Producer) Request(ctx context.Context, action string, payload map[string]any, opts ...message.Option) (*message.Request, error) {
	req := message.NewRequest(p.sender, action, payload, opts...)
	if err := p.bus.Publish(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Respond publishes a response correlated to req and addressed back to its
// sender.
func (p *Producer) Respond(ctx context.Context, req *message.Request, statusCode int, result map[string]any, opts ...message.Option) (*message.Response, error) {
	res := message.NewResponseTo(req, p.sender, statusCode, result, opts...)
	if err := p.bus.Publish(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ReportError publishes an error report.
func (p *Producer) ReportError(ctx context.Context, errorCode, errorType, text string, opts ...message.Option) (*message.ErrorMessage, error) {
	errMsg := message.NewErrorMessage(p.sender, errorCode, errorType, text, opts...)
	if err := p.bus.Publish(ctx, errMsg); err != nil {
		return nil, err
	}
	return errMsg, nil
}

// ReportStatus publishes a component health report.
func (p *Producer) ReportStatus(ctx context.Context, component, status string, healthScore float64, opts ...message.Option) (*message.StatusUpdate, error) {
	update := message.NewStatusUpdate(p.sender, component, status, healthScore, opts...)
	if err := p.bus.Publish(ctx, update); err != nil {
		return nil, err
	}
	return update, nil
}

// ShareContext publishes a context update visible to subscribed agents.
func (p *Producer) ShareContext(ctx context.Context, contextType string, data map[string]any, version int, opts ...message.Option) (*message.ContextUpdate, error) {
	update := message.NewContextUpdate(p.sender, contextType, data, version, opts...)
	if err := p.bus.Publish(ctx, update); err != nil {
		return nil, err
	}
	return update, nil
}

// Heartbeat publishes a liveness signal.
func (p *Producer) Heartbeat(ctx context.Context, opts ...message.Option) (*message.Heartbeat, error) {
	hb := message.NewHeartbeat(p.sender, opts...)
	if err := p.bus.Publish(ctx, hb); err != nil {
		return nil, err
	}
	return hb, nil
}
