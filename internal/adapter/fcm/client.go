// Package fcm dispatches push messages through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/quakefeed/quakefeed/internal/domain"
	"github.com/quakefeed/quakefeed/internal/fanout"
	"google.golang.org/api/option"
)

// Client implements fanout.PushSender on the Firebase Admin SDK.
type Client struct {
	messaging *messaging.Client
	logger    *slog.Logger
}

// NewClient initializes the Firebase app from a service-account credentials
// file and returns a messaging sender.
func NewClient(ctx context.Context, credentialsFile string, logger *slog.Logger) (*Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize fcm messaging: %w", err)
	}
	return &Client{messaging: client, logger: logger}, nil
}

// Send dispatches one message to one device. Provider responses that mark
// the token as gone or malformed surface as domain.ErrTokenInvalid so the
// dispatcher can prune the registration; everything else is transient.
func (c *Client) Send(ctx context.Context, token string, msg fanout.PushMessage) error {
	out := &messaging.Message{
		Token: token,
		Data:  msg.Data,
	}
	if msg.Title != "" || msg.Body != "" {
		out.Notification = &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		}
	}

	_, err := c.messaging.Send(ctx, out)
	if err == nil {
		return nil
	}
	if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
		return fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	return fmt.Errorf("fcm send: %w", err)
}
