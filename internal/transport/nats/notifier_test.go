package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"payrail/internal/model"
)

type fakePublisher struct {
	published map[string][][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: map[string][][]byte{}}
}

func (f *fakePublisher) Publish(topic string, data []byte) error {
	f.published[topic] = append(f.published[topic], data)
	return nil
}

func testEntry() *model.WalletEntry {
	return &model.WalletEntry{
		TransactionID: "tx-1",
		UserID:        "user-1",
		Amount:        -50_000,
		Currency:      "NGN",
		Status:        model.StatusCompleted,
		Provider:      "acme",
	}
}

func TestNotifier_FansOutToLifecycleAndChannelTopics(t *testing.T) {
	pub := newFakePublisher()
	n := NewNotifier(pub)

	n.WithdrawalCompleted(context.Background(), testEntry())

	for _, topic := range []string{"withdrawals.completed", "notify.inapp", "notify.push", "notify.email"} {
		if len(pub.published[topic]) != 1 {
			t.Errorf("expected one event on %s, got %d", topic, len(pub.published[topic]))
		}
	}

	var event model.WithdrawalEvent
	if err := json.Unmarshal(pub.published["withdrawals.completed"][0], &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.TransactionID != "tx-1" || event.Status != model.StatusCompleted {
		t.Errorf("unexpected event: %+v", event)
	}
}

func TestNotifier_FailureCarriesReason(t *testing.T) {
	pub := newFakePublisher()
	n := NewNotifier(pub)

	n.WithdrawalFailed(context.Background(), testEntry(), "provider rejected")

	var event model.WithdrawalEvent
	if err := json.Unmarshal(pub.published["withdrawals.failed"][0], &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Reason != "provider rejected" {
		t.Errorf("expected reason on event, got %q", event.Reason)
	}
	if len(pub.published["notify.email"]) != 1 {
		t.Error("expected failure to fan out to notification channels")
	}
}

func TestNotifier_PlatformFailureSkipsChannelFanout(t *testing.T) {
	pub := newFakePublisher()
	n := NewNotifier(pub)

	n.PlatformFailure(context.Background(), "withdrawal_orchestration", errors.New("boom"))

	if len(pub.published["platform.failure"]) != 1 {
		t.Error("expected event on platform.failure")
	}
	// Operational alerts are not user notifications.
	if len(pub.published["notify.email"]) != 0 {
		t.Error("expected no channel fan-out for platform failures")
	}
}

type fakeWithdrawals struct {
	reqs []model.WithdrawalRequest
	err  error
}

func (f *fakeWithdrawals) Withdraw(ctx context.Context, req model.WithdrawalRequest) (*model.WalletEntry, error) {
	f.reqs = append(f.reqs, req)
	return &model.WalletEntry{TransactionID: "tx-1"}, f.err
}

func TestHandleWithdraw_DelegatesToService(t *testing.T) {
	svc := &fakeWithdrawals{}
	h := NewHandler(svc, nil)

	raw, _ := json.Marshal(model.WithdrawalRequest{
		UserID: "user-1", Amount: 50_000, Currency: "NGN", IdempotencyKey: "key-1",
	})
	h.handleWithdraw(context.Background(), raw)

	if len(svc.reqs) != 1 || svc.reqs[0].UserID != "user-1" {
		t.Errorf("expected one delegated request, got %v", svc.reqs)
	}
}

func TestHandleWithdraw_RejectsMalformedAndIncomplete(t *testing.T) {
	svc := &fakeWithdrawals{}
	h := NewHandler(svc, nil)

	h.handleWithdraw(context.Background(), []byte("{not json"))
	h.handleWithdraw(context.Background(), []byte(`{"user_id":"user-1"}`))

	if len(svc.reqs) != 0 {
		t.Errorf("expected no delegated requests, got %v", svc.reqs)
	}
}
