package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"payrail/internal/breaker"
	"payrail/internal/guard"
	"payrail/internal/lock"
	"payrail/internal/model"
	"payrail/internal/provider"
	"payrail/internal/repository"
	"payrail/internal/store"
)

type mockTransactions struct {
	mock.Mock
}

func (m *mockTransactions) CreateWithEntry(ctx context.Context, txn *model.Transaction, entry *model.WalletEntry) error {
	args := m.Called(ctx, txn, entry)
	return args.Error(0)
}

func (m *mockTransactions) FindByID(ctx context.Context, id string) (*model.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *mockTransactions) FindEntryByIdempotencyKey(ctx context.Context, userID, key string) (*model.WalletEntry, error) {
	args := m.Called(ctx, userID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WalletEntry), args.Error(1)
}

func (m *mockTransactions) FindEntryByTransactionID(ctx context.Context, transactionID string) (*model.WalletEntry, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.WalletEntry), args.Error(1)
}

func (m *mockTransactions) MarkStatus(ctx context.Context, id string, status model.TransactionStatus, reason string) error {
	args := m.Called(ctx, id, status, reason)
	return args.Error(0)
}

func (m *mockTransactions) SetProviderRef(ctx context.Context, transactionID, providerRef string) error {
	args := m.Called(ctx, transactionID, providerRef)
	return args.Error(0)
}

type mockWallets struct {
	mock.Mock
}

func (m *mockWallets) GetByUser(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	args := m.Called(ctx, userID, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Wallet), args.Error(1)
}

func (m *mockWallets) ReserveEscrow(ctx context.Context, transactionID, walletID string, amount int64) error {
	args := m.Called(ctx, transactionID, walletID, amount)
	return args.Error(0)
}

func (m *mockWallets) ReleaseEscrow(ctx context.Context, transactionID string) error {
	args := m.Called(ctx, transactionID)
	return args.Error(0)
}

func (m *mockWallets) SettleEscrow(ctx context.Context, transactionID string) error {
	args := m.Called(ctx, transactionID)
	return args.Error(0)
}

func (m *mockWallets) EscrowAmount(ctx context.Context, transactionID string) (int64, error) {
	args := m.Called(ctx, transactionID)
	return args.Get(0).(int64), args.Error(1)
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "acme" }

func (m *mockProvider) TransferToExternalAccount(ctx context.Context, req provider.TransferRequest) (*provider.TransferResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.TransferResult), args.Error(1)
}

func (m *mockProvider) GetTransactionStatus(ctx context.Context, reference string) (*provider.StatusResult, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.StatusResult), args.Error(1)
}

func (m *mockProvider) CheckLedgerBalance(ctx context.Context, account string, amount int64, currency string) (*provider.BalanceResult, error) {
	args := m.Called(ctx, account, amount, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.BalanceResult), args.Error(1)
}

type fakeVerifier struct {
	name string
	err  error
}

func (f *fakeVerifier) ResolveAccount(ctx context.Context, bankCode, accountNumber string) (string, error) {
	return f.name, f.err
}

type fakeNotifier struct {
	initiated, completed, failed, reviewed int
	platformFailures                       int
}

func (f *fakeNotifier) WithdrawalInitiated(ctx context.Context, e *model.WalletEntry) { f.initiated++ }
func (f *fakeNotifier) WithdrawalCompleted(ctx context.Context, e *model.WalletEntry) { f.completed++ }
func (f *fakeNotifier) WithdrawalFailed(ctx context.Context, e *model.WalletEntry, reason string) {
	f.failed++
}
func (f *fakeNotifier) WithdrawalInReview(ctx context.Context, e *model.WalletEntry, reason string) {
	f.reviewed++
}
func (f *fakeNotifier) PlatformFailure(ctx context.Context, stage string, err error) {
	f.platformFailures++
}

type fakePoller struct {
	jobs []model.StatusPollJob
}

func (f *fakePoller) QueueStatusPoll(ctx context.Context, job model.StatusPollJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

type fixture struct {
	svc      *Withdrawals
	tx       *mockTransactions
	wallets  *mockWallets
	prov     *mockProvider
	notifier *fakeNotifier
	poller   *fakePoller
	brk      *breaker.CircuitBreaker
	grd      *guard.ConcurrencyGuard
	lim      *guard.AttemptLimiter
	locker   *lock.Locker
}

func newFixture() *fixture {
	st := store.NewMemoryStore()
	f := &fixture{
		tx:       new(mockTransactions),
		wallets:  new(mockWallets),
		prov:     new(mockProvider),
		notifier: &fakeNotifier{},
		poller:   &fakePoller{},
		brk:      breaker.New(st, breaker.DefaultConfig(), nil),
		grd:      guard.NewConcurrencyGuard(st),
		lim:      guard.NewAttemptLimiter(st),
		locker:   lock.New(st, lock.Config{TTL: time.Minute, Retries: 1, Backoff: time.Millisecond}),
	}
	f.svc = NewWithdrawals(Deps{
		Transactions:  f.tx,
		Wallets:       f.wallets,
		Provider:      f.prov,
		Verifier:      &fakeVerifier{name: "JANE DOE"},
		Notifier:      f.notifier,
		Poller:        f.poller,
		Breaker:       f.brk,
		Guard:         f.grd,
		Limiter:       f.lim,
		Locker:        f.locker,
		Limits:        Limits{MinWithdrawal: 100, MaxWithdrawal: 10_000_000, MaxDailyAttempts: 5},
		SourceAccount: "float-main",
	})
	return f
}

func testRequest() model.WithdrawalRequest {
	return model.WithdrawalRequest{
		UserID:         "user-1",
		Amount:         50_000,
		Currency:       "NGN",
		BankCode:       "058",
		AccountNumber:  "0123456789",
		AccountName:    "JANE DOE",
		IdempotencyKey: "key-1",
	}
}

func testWallet() *model.Wallet {
	return &model.Wallet{ID: "w-1", UserID: "user-1", Currency: "NGN", Balance: 100_000}
}

// expectPreamble wires the mocks up to and including ledger creation.
func (f *fixture) expectPreamble() {
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(nil, nil)
	f.wallets.On("GetByUser", mock.Anything, "user-1", "NGN").Return(testWallet(), nil)
	f.tx.On("CreateWithEntry", mock.Anything,
		mock.AnythingOfType("*model.Transaction"),
		mock.AnythingOfType("*model.WalletEntry")).Return(nil)
}

// expectReserve wires float check, reservation and the PENDING transition.
func (f *fixture) expectReserve() {
	f.prov.On("CheckLedgerBalance", mock.Anything, "float-main", int64(50_000), "NGN").
		Return(&provider.BalanceResult{HasSufficientBalance: true, AvailableBalance: 5_000_000}, nil)
	f.wallets.On("ReserveEscrow", mock.Anything, mock.AnythingOfType("string"), "w-1", int64(50_000)).Return(nil)
	f.tx.On("MarkStatus", mock.Anything, mock.AnythingOfType("string"), model.StatusPending, "").Return(nil)
}

func TestWithdraw_CompletedEndToEnd(t *testing.T) {
	f := newFixture()
	f.expectPreamble()
	f.expectReserve()
	f.prov.On("TransferToExternalAccount", mock.Anything, mock.AnythingOfType("provider.TransferRequest")).
		Return(&provider.TransferResult{ProviderRef: "prov-1"}, nil)
	f.tx.On("SetProviderRef", mock.Anything, mock.AnythingOfType("string"), "prov-1").Return(nil)
	f.prov.On("GetTransactionStatus", mock.Anything, mock.AnythingOfType("string")).
		Return(&provider.StatusResult{Status: provider.StatusSuccess}, nil)
	f.tx.On("MarkStatus", mock.Anything, mock.AnythingOfType("string"), model.StatusCompleted, "").Return(nil)
	f.wallets.On("SettleEscrow", mock.Anything, mock.AnythingOfType("string")).Return(nil)

	entry, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.NoError(t, err)
	assert.NotNil(t, entry)
	assert.Equal(t, model.StatusCompleted, entry.Status)
	assert.Equal(t, int64(100_000), entry.BalanceBefore)
	assert.Equal(t, int64(50_000), entry.BalanceAfter)
	assert.Equal(t, "prov-1", entry.ProviderRef)
	assert.Equal(t, 1, f.notifier.initiated)
	assert.Equal(t, 1, f.notifier.completed)

	// The wallet is never refunded on success; escrow settles to zero.
	f.wallets.AssertNotCalled(t, "ReleaseEscrow", mock.Anything, mock.Anything)

	stats, _ := f.brk.Stats(context.Background(), "acme")
	assert.Equal(t, int64(1), stats.Successes)

	// Session ends on the success path too.
	active, _ := f.grd.HasActiveSession(context.Background(), "user-1")
	assert.False(t, active)

	f.tx.AssertExpectations(t)
	f.wallets.AssertExpectations(t)
	f.prov.AssertExpectations(t)
}

func TestWithdraw_IdempotentReplayReturnsExistingEntry(t *testing.T) {
	f := newFixture()
	existing := &model.WalletEntry{
		TransactionID: "tx-1", UserID: "user-1", Amount: -50_000,
		BankCode: "058", AccountNumber: "0123456789",
		Status: model.StatusPending,
	}
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(existing, nil)

	entry, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.NoError(t, err)
	assert.Same(t, existing, entry)
	// Replay must not touch the wallet or create new records.
	f.tx.AssertNotCalled(t, "CreateWithEntry", mock.Anything, mock.Anything, mock.Anything)
	f.wallets.AssertNotCalled(t, "ReserveEscrow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWithdraw_FailedKeyRequiresNewKey(t *testing.T) {
	f := newFixture()
	existing := &model.WalletEntry{TransactionID: "tx-1", Status: model.StatusFailed, Amount: -50_000}
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(existing, nil)

	_, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.ErrorIs(t, err, ErrFailedAttemptReplay)
}

func TestWithdraw_KeyReuseWithDifferentPayloadRejected(t *testing.T) {
	f := newFixture()
	existing := &model.WalletEntry{
		TransactionID: "tx-1", Status: model.StatusPending,
		Amount: -10_000, BankCode: "058", AccountNumber: "0123456789",
	}
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(existing, nil)

	_, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.ErrorIs(t, err, ErrIdempotencyMismatch)
}

func TestWithdraw_CreateRaceReplaysExisting(t *testing.T) {
	f := newFixture()
	existing := &model.WalletEntry{
		TransactionID: "tx-other", Status: model.StatusPending,
		Amount: -50_000, BankCode: "058", AccountNumber: "0123456789",
	}
	// The replay lookup sees nothing, but another request with the same key
	// creates its records first; the unique constraint turns this into a replay.
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(nil, nil).Once()
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(existing, nil).Once()
	f.wallets.On("GetByUser", mock.Anything, "user-1", "NGN").Return(testWallet(), nil)
	f.tx.On("CreateWithEntry", mock.Anything,
		mock.AnythingOfType("*model.Transaction"),
		mock.AnythingOfType("*model.WalletEntry")).Return(repository.ErrDuplicateKey)

	entry, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.NoError(t, err)
	assert.Same(t, existing, entry)
	f.wallets.AssertNotCalled(t, "ReserveEscrow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.prov.AssertNotCalled(t, "TransferToExternalAccount", mock.Anything, mock.Anything)
}

func TestWithdraw_InsufficientBalanceFastFail(t *testing.T) {
	f := newFixture()
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(nil, nil)
	f.wallets.On("GetByUser", mock.Anything, "user-1", "NGN").
		Return(&model.Wallet{ID: "w-1", UserID: "user-1", Currency: "NGN", Balance: 1_000}, nil)

	_, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)
	f.tx.AssertNotCalled(t, "CreateWithEntry", mock.Anything, mock.Anything, mock.Anything)
}

func TestWithdraw_AmountOutOfRange(t *testing.T) {
	f := newFixture()
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(nil, nil)

	req := testRequest()
	req.Amount = 1
	_, err := f.svc.Withdraw(context.Background(), req)

	assert.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestWithdraw_ConcurrentSessionFailsFast(t *testing.T) {
	f := newFixture()
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(nil, nil)
	f.wallets.On("GetByUser", mock.Anything, "user-1", "NGN").Return(testWallet(), nil)

	// Another withdrawal is mid-flight for this user.
	_ = f.grd.StartSession(context.Background(), "user-1", "tx-other")

	_, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.ErrorIs(t, err, guard.ErrConcurrentWithdrawal)
	f.tx.AssertNotCalled(t, "CreateWithEntry", mock.Anything, mock.Anything, mock.Anything)
	f.wallets.AssertNotCalled(t, "ReserveEscrow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWithdraw_DailyAttemptLimit(t *testing.T) {
	f := newFixture()
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(nil, nil)
	f.wallets.On("GetByUser", mock.Anything, "user-1", "NGN").Return(testWallet(), nil)

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		_, _ = f.lim.Increment(ctx, "user-1")
	}

	_, err := f.svc.Withdraw(ctx, testRequest())

	assert.ErrorIs(t, err, guard.ErrDailyLimitReached)
	f.tx.AssertNotCalled(t, "CreateWithEntry", mock.Anything, mock.Anything, mock.Anything)
}

func TestWithdraw_BreakerOpenRevertsAndFails(t *testing.T) {
	f := newFixture()
	f.expectPreamble()
	f.expectReserve()
	f.tx.On("MarkStatus", mock.Anything, mock.AnythingOfType("string"), model.StatusFailed, mock.AnythingOfType("string")).Return(nil)
	f.wallets.On("ReleaseEscrow", mock.Anything, mock.AnythingOfType("string")).Return(nil)
	f.tx.On("FindByID", mock.Anything, mock.AnythingOfType("string")).
		Return(&model.Transaction{Status: model.StatusFailed}, nil)

	_ = f.brk.ForceOpen(context.Background(), "acme")

	_, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.ErrorIs(t, err, ErrServiceUnavailable)
	f.wallets.AssertCalled(t, "ReleaseEscrow", mock.Anything, mock.AnythingOfType("string"))
	f.prov.AssertNotCalled(t, "TransferToExternalAccount", mock.Anything, mock.Anything)
}

func TestWithdraw_ValidationErrorRevertsImmediately(t *testing.T) {
	f := newFixture()
	f.expectPreamble()
	f.expectReserve()
	f.prov.On("TransferToExternalAccount", mock.Anything, mock.AnythingOfType("provider.TransferRequest")).
		Return(nil, &provider.APIError{StatusCode: 422, Message: "account not found"})
	f.tx.On("MarkStatus", mock.Anything, mock.AnythingOfType("string"), model.StatusFailed, mock.AnythingOfType("string")).Return(nil)
	f.wallets.On("ReleaseEscrow", mock.Anything, mock.AnythingOfType("string")).Return(nil)
	f.tx.On("FindByID", mock.Anything, mock.AnythingOfType("string")).
		Return(&model.Transaction{Status: model.StatusFailed}, nil)

	_, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.ErrorIs(t, err, ErrTransferFailed)
	f.wallets.AssertCalled(t, "ReleaseEscrow", mock.Anything, mock.AnythingOfType("string"))

	stats, _ := f.brk.Stats(context.Background(), "acme")
	assert.Equal(t, int64(1), stats.Failures)
	assert.Empty(t, f.poller.jobs)
}

func TestWithdraw_AmbiguousTimeoutDefersToPolling(t *testing.T) {
	f := newFixture()
	f.expectPreamble()
	f.expectReserve()
	f.prov.On("TransferToExternalAccount", mock.Anything, mock.AnythingOfType("provider.TransferRequest")).
		Return(nil, context.DeadlineExceeded)

	entry, err := f.svc.Withdraw(context.Background(), testRequest())

	// An ambiguous outcome is not an error: the caller gets PENDING.
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, entry.Status)
	// Reserved funds stay put until the poller resolves the outcome.
	assert.Equal(t, int64(50_000), entry.BalanceBefore-entry.BalanceAfter)
	f.wallets.AssertNotCalled(t, "ReleaseEscrow", mock.Anything, mock.Anything)

	// No breaker outcome either way: the call's fate is unknown.
	stats, _ := f.brk.Stats(context.Background(), "acme")
	assert.Zero(t, stats.Successes)
	assert.Zero(t, stats.Failures)

	if assert.Len(t, f.poller.jobs, 1) {
		assert.Equal(t, 1, f.poller.jobs[0].Attempt)
		assert.Equal(t, "acme", f.poller.jobs[0].Provider)
	}
}

func TestWithdraw_ConfirmTimeoutDefersToPolling(t *testing.T) {
	f := newFixture()
	f.expectPreamble()
	f.expectReserve()
	f.prov.On("TransferToExternalAccount", mock.Anything, mock.AnythingOfType("provider.TransferRequest")).
		Return(&provider.TransferResult{ProviderRef: "prov-1"}, nil)
	f.tx.On("SetProviderRef", mock.Anything, mock.AnythingOfType("string"), "prov-1").Return(nil)
	f.prov.On("GetTransactionStatus", mock.Anything, mock.AnythingOfType("string")).
		Return(nil, context.DeadlineExceeded)

	entry, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, entry.Status)
	f.wallets.AssertNotCalled(t, "ReleaseEscrow", mock.Anything, mock.Anything)
	assert.Len(t, f.poller.jobs, 1)
}

func TestWithdraw_ProviderReportsFailedReverts(t *testing.T) {
	f := newFixture()
	f.expectPreamble()
	f.expectReserve()
	f.prov.On("TransferToExternalAccount", mock.Anything, mock.AnythingOfType("provider.TransferRequest")).
		Return(&provider.TransferResult{ProviderRef: "prov-1"}, nil)
	f.tx.On("SetProviderRef", mock.Anything, mock.AnythingOfType("string"), "prov-1").Return(nil)
	f.prov.On("GetTransactionStatus", mock.Anything, mock.AnythingOfType("string")).
		Return(&provider.StatusResult{Status: provider.StatusFailed, Message: "beneficiary bank unavailable"}, nil)
	f.tx.On("MarkStatus", mock.Anything, mock.AnythingOfType("string"), model.StatusFailed, "beneficiary bank unavailable").Return(nil)
	f.wallets.On("ReleaseEscrow", mock.Anything, mock.AnythingOfType("string")).Return(nil)
	f.tx.On("FindByID", mock.Anything, mock.AnythingOfType("string")).
		Return(&model.Transaction{Status: model.StatusFailed}, nil)

	_, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.ErrorIs(t, err, ErrTransferFailed)
	f.wallets.AssertCalled(t, "ReleaseEscrow", mock.Anything, mock.AnythingOfType("string"))

	stats, _ := f.brk.Stats(context.Background(), "acme")
	assert.Equal(t, int64(1), stats.Failures)
}

func TestWithdraw_SlowSettlementQueuesPollWithBreakerSuccess(t *testing.T) {
	f := newFixture()
	f.expectPreamble()
	f.expectReserve()
	f.prov.On("TransferToExternalAccount", mock.Anything, mock.AnythingOfType("provider.TransferRequest")).
		Return(&provider.TransferResult{ProviderRef: "prov-1"}, nil)
	f.tx.On("SetProviderRef", mock.Anything, mock.AnythingOfType("string"), "prov-1").Return(nil)
	f.prov.On("GetTransactionStatus", mock.Anything, mock.AnythingOfType("string")).
		Return(&provider.StatusResult{Status: provider.StatusPending}, nil)

	entry, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, entry.Status)

	// The call itself succeeded; settlement is merely slow.
	stats, _ := f.brk.Stats(context.Background(), "acme")
	assert.Equal(t, int64(1), stats.Successes)
	assert.Len(t, f.poller.jobs, 1)
}

func TestWithdraw_LockContentionFailsClosed(t *testing.T) {
	f := newFixture()
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(nil, nil)
	f.wallets.On("GetByUser", mock.Anything, "user-1", "NGN").Return(testWallet(), nil)

	// Another worker holds the lease for this exact withdrawal.
	lease, err := f.locker.Acquire(context.Background(), "withdraw:user-1:w-1:key-1")
	if err != nil {
		t.Fatalf("pre-acquire lock: %v", err)
	}
	defer func() { _ = lease.Release(context.Background()) }()

	_, err = f.svc.Withdraw(context.Background(), testRequest())

	assert.ErrorIs(t, err, ErrServiceUnavailable)
	f.tx.AssertNotCalled(t, "CreateWithEntry", mock.Anything, mock.Anything, mock.Anything)
}

func TestWithdraw_ProviderLiquidityShortfall(t *testing.T) {
	f := newFixture()
	f.expectPreamble()
	f.prov.On("CheckLedgerBalance", mock.Anything, "float-main", int64(50_000), "NGN").
		Return(&provider.BalanceResult{HasSufficientBalance: false, AvailableBalance: 10_000}, nil)
	f.tx.On("MarkStatus", mock.Anything, mock.AnythingOfType("string"), model.StatusFailed, "provider liquidity shortfall").Return(nil)
	f.tx.On("FindByID", mock.Anything, mock.AnythingOfType("string")).
		Return(&model.Transaction{Status: model.StatusFailed}, nil)

	_, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.ErrorIs(t, err, ErrServiceUnavailable)
	// Nothing was reserved yet, so nothing is released.
	f.wallets.AssertNotCalled(t, "ReserveEscrow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.wallets.AssertNotCalled(t, "ReleaseEscrow", mock.Anything, mock.Anything)
}

func TestWithdraw_BankAccountVerificationFailure(t *testing.T) {
	f := newFixture()
	f.tx.On("FindEntryByIdempotencyKey", mock.Anything, "user-1", "key-1").Return(nil, nil)
	f.wallets.On("GetByUser", mock.Anything, "user-1", "NGN").Return(testWallet(), nil)
	f.svc.verifier = &fakeVerifier{err: errors.New("account could not be resolved")}

	_, err := f.svc.Withdraw(context.Background(), testRequest())

	assert.ErrorIs(t, err, ErrBankAccountInvalid)
	f.tx.AssertNotCalled(t, "CreateWithEntry", mock.Anything, mock.Anything, mock.Anything)
}

func TestFinalizeCompleted_SettlesAndNotifies(t *testing.T) {
	f := newFixture()
	txn := &model.Transaction{ID: "tx-1", UserID: "user-1", Status: model.StatusPending}
	entry := &model.WalletEntry{TransactionID: "tx-1", Provider: "acme", Status: model.StatusPending}
	f.tx.On("FindByID", mock.Anything, "tx-1").Return(txn, nil)
	f.tx.On("FindEntryByTransactionID", mock.Anything, "tx-1").Return(entry, nil)
	f.tx.On("MarkStatus", mock.Anything, "tx-1", model.StatusCompleted, "").Return(nil)
	f.wallets.On("SettleEscrow", mock.Anything, "tx-1").Return(nil)

	err := f.svc.FinalizeCompleted(context.Background(), "tx-1")

	assert.NoError(t, err)
	assert.Equal(t, 1, f.notifier.completed)
	stats, _ := f.brk.Stats(context.Background(), "acme")
	assert.Equal(t, int64(1), stats.Successes)
}

func TestFinalizeFailed_RevertsEscrow(t *testing.T) {
	f := newFixture()
	txn := &model.Transaction{ID: "tx-1", UserID: "user-1", Status: model.StatusPending}
	entry := &model.WalletEntry{TransactionID: "tx-1", Provider: "acme", Status: model.StatusPending}
	f.tx.On("FindByID", mock.Anything, "tx-1").Return(txn, nil)
	f.tx.On("FindEntryByTransactionID", mock.Anything, "tx-1").Return(entry, nil)
	f.tx.On("MarkStatus", mock.Anything, "tx-1", model.StatusFailed, "provider says no").Return(nil)
	f.wallets.On("ReleaseEscrow", mock.Anything, "tx-1").Return(nil)

	err := f.svc.FinalizeFailed(context.Background(), "tx-1", "provider says no")

	assert.NoError(t, err)
	f.wallets.AssertCalled(t, "ReleaseEscrow", mock.Anything, "tx-1")
	stats, _ := f.brk.Stats(context.Background(), "acme")
	assert.Equal(t, int64(1), stats.Failures)
}

func TestEscalateReview_LeavesEscrowUntouched(t *testing.T) {
	f := newFixture()
	entry := &model.WalletEntry{TransactionID: "tx-1", Provider: "acme", Status: model.StatusPending}
	f.tx.On("FindEntryByTransactionID", mock.Anything, "tx-1").Return(entry, nil)
	f.tx.On("MarkStatus", mock.Anything, "tx-1", model.StatusReview, "max polling attempts reached").Return(nil)

	err := f.svc.EscalateReview(context.Background(), "tx-1", "max polling attempts reached")

	assert.NoError(t, err)
	assert.Equal(t, 1, f.notifier.reviewed)
	// Money is neither confirmed moved nor reverted.
	f.wallets.AssertNotCalled(t, "ReleaseEscrow", mock.Anything, mock.Anything)
	f.wallets.AssertNotCalled(t, "SettleEscrow", mock.Anything, mock.Anything)
}
