package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/quakefeed/quakefeed/internal/domain"
	"github.com/quakefeed/quakefeed/internal/observability"
)

// batchDataKey carries the serialized batch in data-only messages so a
// client can act on the payload without a server round-trip.
const batchDataKey = "quakes"

// PushMessage is one provider dispatch. Title/Body are empty for data-only
// messages.
type PushMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

// PushSender dispatches one message to one device. A permanently invalid
// token surfaces as domain.ErrTokenInvalid; anything else is transient.
type PushSender interface {
	Send(ctx context.Context, token string, msg PushMessage) error
}

// TokenRegistry is the registered device set, read each cycle and pruned on
// permanent provider rejections.
type TokenRegistry interface {
	List(ctx context.Context) ([]domain.DeviceIdentity, error)
	Delete(ctx context.Context, token string) error
}

// PushDispatcher fans an inserted batch out to every registered device: the
// whole batch as a data-only message, plus a visible alert per event at or
// above the magnitude threshold.
type PushDispatcher struct {
	registry       TokenRegistry
	sender         PushSender
	alertMagnitude float64
	logger         *slog.Logger
	metrics        *observability.Metrics
}

// NewPushDispatcher creates a dispatcher. A nil sender disables the push
// channel entirely (the provider is feature-flagged).
func NewPushDispatcher(registry TokenRegistry, sender PushSender, alertMagnitude float64, logger *slog.Logger, metrics *observability.Metrics) *PushDispatcher {
	return &PushDispatcher{
		registry:       registry,
		sender:         sender,
		alertMagnitude: alertMagnitude,
		logger:         logger,
		metrics:        metrics,
	}
}

// Dispatch sends the batch to all registered devices. Delivery is best-effort
// and at-least-once: transient provider errors are logged and abandoned until
// the next cycle re-reads the registry; permanent token errors prune the
// device before this call returns.
func (d *PushDispatcher) Dispatch(ctx context.Context, events []domain.Event) {
	if d.sender == nil || len(events) == 0 {
		return
	}

	devices, err := d.registry.List(ctx)
	if err != nil {
		d.logger.Error("reading device registry failed, skipping push this cycle", "error", err)
		return
	}
	if len(devices) == 0 {
		d.logger.Debug("no devices registered, skipping push")
		return
	}

	messages := d.buildMessages(events)
	if len(messages) == 0 {
		return
	}

	invalid := make(map[string]bool)
	for _, msg := range messages {
		for _, dev := range devices {
			if invalid[dev.Token] {
				continue
			}
			if bad := d.send(ctx, dev.Token, msg); bad {
				invalid[dev.Token] = true
			}
		}
	}

	for token := range invalid {
		if err := d.registry.Delete(ctx, token); err != nil {
			d.logger.Error("pruning invalid device token failed", "error", err)
			continue
		}
		d.metrics.PushPruned.Inc()
	}

	d.logger.Info("push dispatch complete",
		"events", len(events), "devices", len(devices), "messages", len(messages), "pruned", len(invalid))
}

// send reports whether the token turned out to be permanently invalid.
func (d *PushDispatcher) send(ctx context.Context, token string, msg PushMessage) bool {
	err := d.sender.Send(ctx, token, msg)
	if err == nil {
		d.metrics.PushSent.Inc()
		return false
	}
	if errors.Is(err, domain.ErrTokenInvalid) {
		d.logger.Info("device token rejected permanently", "token", truncateToken(token))
		return true
	}
	d.metrics.PushTransient.Inc()
	d.logger.Warn("transient push failure, deferring to next cycle", "token", truncateToken(token), "error", err)
	return false
}

// buildMessages produces one data-only message for the whole batch and one
// alert per event at or above the threshold.
func (d *PushDispatcher) buildMessages(events []domain.Event) []PushMessage {
	messages := make([]PushMessage, 0, 1+len(events))

	if payload, err := json.Marshal(events); err == nil {
		messages = append(messages, PushMessage{
			Data: map[string]string{batchDataKey: string(payload)},
		})
	} else {
		d.logger.Error("serializing event batch for push failed", "error", err)
	}

	for _, ev := range events {
		if ev.Magnitude < d.alertMagnitude {
			continue
		}
		messages = append(messages, alertMessage(ev))
	}
	return messages
}

// alertMessage builds the user-visible alert for one event: a readable
// title/body plus the raw fields as structured data.
func alertMessage(ev domain.Event) PushMessage {
	return PushMessage{
		Title: fmt.Sprintf("Earthquake M%.1f", ev.Magnitude),
		Body:  fmt.Sprintf("%s • Depth %.0f km", ev.Place, ev.DepthKm),
		Data: map[string]string{
			"id":         ev.ID,
			"occurredAt": ev.OccurredAt.Format(time.RFC3339),
			"latitude":   strconv.FormatFloat(ev.Latitude, 'f', -1, 64),
			"longitude":  strconv.FormatFloat(ev.Longitude, 'f', -1, 64),
			"magnitude":  strconv.FormatFloat(ev.Magnitude, 'f', -1, 64),
			"depthKm":    strconv.FormatFloat(ev.DepthKm, 'f', -1, 64),
			"place":      ev.Place,
			"source":     ev.Source,
		},
	}
}

func truncateToken(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[:20] + "..."
}
