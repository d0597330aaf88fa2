package notification

import (
	"context"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"vacuum-rental-backend/internal/model"
)

// Channel delivers a message to one recipient.
type Channel interface {
	Send(ctx context.Context, message string, recipient model.PushSubscription) error
}

// PushSender defines the interface for sending a web push notification.
type PushSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of PushSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionRemover drops subscriptions the push service reports as gone.
type SubscriptionRemover interface {
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// WebPushChannel delivers alerts to operator browsers.
type WebPushChannel struct {
	sender  PushSender
	options *webpush.Options
	remover SubscriptionRemover
}

// NewWebPushChannel creates a channel backed by the webpush library.
func NewWebPushChannel(options *webpush.Options, remover SubscriptionRemover) *WebPushChannel {
	return &WebPushChannel{
		sender:  &WebPushSender{},
		options: options,
		remover: remover,
	}
}

// Send delivers one push message. Expired subscriptions are deleted and count as delivered.
func (c *WebPushChannel) Send(ctx context.Context, message string, recipient model.PushSubscription) error {
	wpSub := &webpush.Subscription{
		Endpoint: recipient.Endpoint,
		Keys: webpush.Keys{
			P256dh: recipient.P256DH,
			Auth:   recipient.Auth,
		},
	}

	resp, err := c.sender.Send([]byte(message), wpSub, c.options)
	if err != nil {
		return fmt.Errorf("push to %s: %w", recipient.Endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		if err := c.remover.DeleteSubscription(ctx, recipient.Endpoint); err != nil {
			return fmt.Errorf("delete expired subscription %s: %w", recipient.Endpoint, err)
		}
		return nil
	case resp.StatusCode >= 400:
		return fmt.Errorf("push to %s: status %d", recipient.Endpoint, resp.StatusCode)
	}
	return nil
}
