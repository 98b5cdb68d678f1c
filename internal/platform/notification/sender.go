package notification

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrChannelDisabled means the provider for a channel is not configured.
	ErrChannelDisabled = errors.New("notification: channel disabled")
	// ErrInvalidRecipient means the address or number cannot be delivered to.
	ErrInvalidRecipient = errors.New("notification: invalid recipient")
)

// SendError wraps a provider failure.
type SendError struct {
	Provider string
	Err      error
}

func (e *SendError) Error() string { return fmt.Sprintf("%s: %v", e.Provider, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Permanent reports whether retrying err cannot succeed.
func Permanent(err error) bool {
	return errors.Is(err, ErrChannelDisabled) || errors.Is(err, ErrInvalidRecipient)
}

// Message is one rendered notification ready for a provider.
type Message struct {
	Channel Channel
	To      string
	Rendered
}

type EmailSender interface {
	SendEmail(ctx context.Context, to string, r Rendered) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, text string) error
}

// Deliverer routes a message to the provider for its channel. In-app
// messages need no provider: storing the row is the delivery.
type Deliverer struct {
	Email EmailSender
	SMS   SMSSender
}

func (d *Deliverer) Deliver(ctx context.Context, m Message) error {
	switch m.Channel {
	case ChannelInApp:
		return nil
	case ChannelEmail:
		if d.Email == nil {
			return ErrChannelDisabled
		}
		if m.To == "" {
			return fmt.Errorf("%w: empty email address", ErrInvalidRecipient)
		}
		return d.Email.SendEmail(ctx, m.To, m.Rendered)
	case ChannelSMS:
		if d.SMS == nil {
			return ErrChannelDisabled
		}
		if m.To == "" {
			return fmt.Errorf("%w: empty phone number", ErrInvalidRecipient)
		}
		return d.SMS.SendSMS(ctx, m.To, m.Text)
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrChannelDisabled, m.Channel)
	}
}
