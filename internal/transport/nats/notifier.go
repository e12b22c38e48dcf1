package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"payrail/internal/model"
)

const (
	topicInitiated = "withdrawals.initiated"
	topicCompleted = "withdrawals.completed"
	topicFailed    = "withdrawals.failed"
	topicReview    = "withdrawals.review"
	topicPlatform  = "platform.failure"
)

// Per-channel notification topics; the senders behind them are separate
// consumers, the saga only fans the event out.
var notifyTopics = []string{"notify.inapp", "notify.push", "notify.email"}

// Publisher is the bus surface the notifier needs.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// Notifier publishes withdrawal lifecycle events on the bus. Publishing is
// best-effort: a lost event is logged, never surfaced to the saga.
type Notifier struct {
	bus Publisher
}

func NewNotifier(bus Publisher) *Notifier {
	return &Notifier{bus: bus}
}

func (n *Notifier) WithdrawalInitiated(ctx context.Context, entry *model.WalletEntry) {
	n.publish(topicInitiated, entry, "")
}

func (n *Notifier) WithdrawalCompleted(ctx context.Context, entry *model.WalletEntry) {
	n.publish(topicCompleted, entry, "")
}

func (n *Notifier) WithdrawalFailed(ctx context.Context, entry *model.WalletEntry, reason string) {
	n.publish(topicFailed, entry, reason)
}

func (n *Notifier) WithdrawalInReview(ctx context.Context, entry *model.WalletEntry, reason string) {
	n.publish(topicReview, entry, reason)
}

func (n *Notifier) PlatformFailure(ctx context.Context, stage string, cause error) {
	payload, err := json.Marshal(map[string]string{
		"stage": stage,
		"error": cause.Error(),
	})
	if err != nil {
		return
	}
	if err := n.bus.Publish(topicPlatform, payload); err != nil {
		slog.Error("nats: failed to publish platform failure", "stage", stage, "error", err)
	}
}

func (n *Notifier) publish(topic string, entry *model.WalletEntry, reason string) {
	event := model.WithdrawalEvent{
		TransactionID: entry.TransactionID,
		UserID:        entry.UserID,
		Amount:        entry.Amount,
		Currency:      entry.Currency,
		Status:        entry.Status,
		Provider:      entry.Provider,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("nats: failed to marshal event", "topic", topic, "error", err)
		return
	}
	for _, t := range append([]string{topic}, notifyTopics...) {
		if err := n.bus.Publish(t, data); err != nil {
			slog.Error("nats: failed to publish event",
				"topic", t, "transaction_id", entry.TransactionID, "error", err)
		}
	}
}
