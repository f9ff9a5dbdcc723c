package payee

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/streamingfast/shutter"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/contract"
	"github.com/nuwa-protocol/payment-kit-go/store"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// ClaimPolicy tunes when and how aggressively accumulated value is claimed
// on chain.
type ClaimPolicy struct {
	// MinClaimAmount is the picoUSD threshold below which MaybeQueue is a
	// no-op. Nil or zero claims everything.
	MinClaimAmount *big.Int

	// MaxConcurrentClaims bounds both the queue and the claims in flight.
	MaxConcurrentClaims int

	MaxRetries int
	RetryDelay time.Duration

	// RequireHubBalance gates claims on the payer's hub balance covering the
	// claimable amount. Shortfalls either back off or count as failures.
	RequireHubBalance          bool
	InsufficientFundsBackoff   time.Duration
	CountInsufficientAsFailure bool
}

func (p *ClaimPolicy) normalize() {
	if p.MinClaimAmount == nil {
		p.MinClaimAmount = big.NewInt(0)
	}
	if p.MaxConcurrentClaims <= 0 {
		p.MaxConcurrentClaims = 1
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = 30 * time.Second
	}
	if p.InsufficientFundsBackoff <= 0 {
		p.InsufficientFundsBackoff = 5 * time.Minute
	}
}

// SchedulerStatus is the operator view of the scheduler.
type SchedulerStatus struct {
	Active int `json:"active"`
	Queued int `json:"queued"`

	SuccessCount           uint64 `json:"successCount"`
	FailedCount            uint64 `json:"failedCount"`
	SkippedCount           uint64 `json:"skippedCount"`
	InsufficientFundsCount uint64 `json:"insufficientFundsCount"`
	BackoffCount           uint64 `json:"backoffCount"`

	AvgProcessingTimeMs float64 `json:"avgProcessingTimeMs"`

	Policy ClaimPolicy `json:"-"`
}

type claimTask struct {
	key       subChannelKey
	deltaUSD  *big.Int
	attempts  int
	notBefore time.Time
	running   bool
}

// ClaimScheduler turns accumulated receipts into on-chain claims. One task
// per sub-channel, FIFO dispatch, bounded concurrency; retries use a linear
// delay and hub-balance shortfalls back off instead of burning attempts.
type ClaimScheduler struct {
	*shutter.Shutter

	store    *store.Store
	contract contract.Contract
	logger   *zap.Logger
	policy   ClaimPolicy

	mu    sync.Mutex
	tasks map[subChannelKey]*claimTask
	order []subChannelKey
	wake  chan struct{}

	active                 int
	successCount           uint64
	failedCount            uint64
	skippedCount           uint64
	insufficientFundsCount uint64
	backoffCount           uint64
	processedCount         uint64
	processingTime         time.Duration
}

func NewClaimScheduler(policy ClaimPolicy, st *store.Store, c contract.Contract, logger *zap.Logger) *ClaimScheduler {
	policy.normalize()
	s := &ClaimScheduler{
		Shutter:  shutter.New(),
		store:    st,
		contract: c,
		logger:   logger,
		policy:   policy,
		tasks:    make(map[subChannelKey]*claimTask),
		wake:     make(chan struct{}, 1),
	}

	go s.dispatch()
	return s
}

// MaybeQueue enqueues a claim for the sub-channel when deltaUSD crosses the
// policy threshold. An existing task keeps its slot with the delta raised to
// the maximum of the two; new keys beyond the concurrency cap are rejected.
// Reports whether a task is queued or running for the key afterwards.
func (s *ClaimScheduler) MaybeQueue(channelID subrav.ChannelID, vmIDFragment string, deltaUSD *big.Int) bool {
	if s.IsTerminating() {
		return false
	}
	key := subChannelKey{channelID, vmIDFragment}

	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[key]; ok {
		if deltaUSD != nil && (task.deltaUSD == nil || deltaUSD.Cmp(task.deltaUSD) > 0) {
			task.deltaUSD = new(big.Int).Set(deltaUSD)
		}
		return true
	}

	if deltaUSD == nil || deltaUSD.Cmp(s.policy.MinClaimAmount) < 0 {
		s.skippedCount++
		return false
	}
	if len(s.tasks) >= s.policy.MaxConcurrentClaims {
		s.logger.Debug("claim queue full, rejecting",
			zap.Stringer("channel_id", channelID),
			zap.String("vm_id_fragment", vmIDFragment),
		)
		return false
	}

	s.enqueueLocked(key, new(big.Int).Set(deltaUSD))
	return true
}

// TriggerClaim queues every sub-channel of the channel that has unclaimed
// receipts, ignoring the threshold. Returns how many tasks were queued.
func (s *ClaimScheduler) TriggerClaim(ctx context.Context, channelID subrav.ChannelID) (int, error) {
	unclaimed, err := s.store.RAVs.GetUnclaimed(ctx, channelID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	queued := 0
	for fragment := range unclaimed {
		key := subChannelKey{channelID, fragment}
		if _, ok := s.tasks[key]; ok {
			continue
		}
		s.enqueueLocked(key, nil)
		queued++
	}
	return queued, nil
}

// Status snapshots the counters and queue occupancy.
func (s *ClaimScheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SchedulerStatus{
		Active:                 s.active,
		Queued:                 len(s.tasks) - s.active,
		SuccessCount:           s.successCount,
		FailedCount:            s.failedCount,
		SkippedCount:           s.skippedCount,
		InsufficientFundsCount: s.insufficientFundsCount,
		BackoffCount:           s.backoffCount,
		Policy:                 s.policy,
	}
	if s.processedCount > 0 {
		status.AvgProcessingTimeMs = float64(s.processingTime.Milliseconds()) / float64(s.processedCount)
	}
	return status
}

// Destroy stops dispatching. In-flight claims run to completion.
func (s *ClaimScheduler) Destroy() {
	s.Shutdown(nil)
}

func (s *ClaimScheduler) enqueueLocked(key subChannelKey, deltaUSD *big.Int) {
	s.tasks[key] = &claimTask{key: key, deltaUSD: deltaUSD}
	s.order = append(s.order, key)
	s.nudge()
}

func (s *ClaimScheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch is the single scheduling goroutine: it starts ready tasks up to
// the concurrency cap and sleeps until the next retry becomes ready.
func (s *ClaimScheduler) dispatch() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := s.startReady()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next > 0 {
			timer.Reset(next)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-s.Terminating():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// startReady launches every ready task while capacity remains and returns
// the wait until the earliest deferred task, zero when none is scheduled.
func (s *ClaimScheduler) startReady() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var earliest time.Duration

	remaining := s.order[:0]
	for _, key := range s.order {
		task, ok := s.tasks[key]
		if !ok || task.running {
			continue
		}
		if s.active >= s.policy.MaxConcurrentClaims {
			remaining = append(remaining, key)
			continue
		}
		if wait := task.notBefore.Sub(now); wait > 0 {
			if earliest == 0 || wait < earliest {
				earliest = wait
			}
			remaining = append(remaining, key)
			continue
		}

		task.running = true
		s.active++
		go s.process(task)
	}
	s.order = remaining
	return earliest
}

func (s *ClaimScheduler) process(task *claimTask) {
	start := time.Now()
	err := s.claim(context.Background(), task)
	elapsed := time.Since(start)

	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.nudge()
	}()

	s.active--
	task.running = false

	switch {
	case err == nil:
		delete(s.tasks, task.key)
		s.successCount++
		s.processedCount++
		s.processingTime += elapsed
		claimsTotal.WithLabelValues("success").Inc()

	case errors.Is(err, errInsufficientHubBalance):
		s.insufficientFundsCount++
		if s.policy.CountInsufficientAsFailure {
			delete(s.tasks, task.key)
			s.failedCount++
			claimsTotal.WithLabelValues("insufficient_funds").Inc()
			return
		}
		s.backoffCount++
		task.notBefore = time.Now().Add(s.policy.InsufficientFundsBackoff)
		s.order = append(s.order, task.key)
		claimsTotal.WithLabelValues("backoff").Inc()

	default:
		task.attempts++
		if task.attempts >= s.policy.MaxRetries {
			delete(s.tasks, task.key)
			s.failedCount++
			claimsTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("claim dropped after retries",
				zap.Stringer("channel_id", task.key.channelID),
				zap.String("vm_id_fragment", task.key.vmIDFragment),
				zap.Int("attempts", task.attempts),
				zap.Error(err),
			)
			return
		}
		task.notBefore = time.Now().Add(s.policy.RetryDelay * time.Duration(task.attempts))
		s.order = append(s.order, task.key)
		claimsTotal.WithLabelValues("retry").Inc()
	}
}

var errInsufficientHubBalance = errors.New("hub balance below claimable amount")

func (s *ClaimScheduler) claim(ctx context.Context, task *claimTask) error {
	signed, err := s.store.RAVs.GetLatest(ctx, task.key.channelID, task.key.vmIDFragment)
	if err != nil {
		return err
	}

	if s.policy.RequireHubBalance {
		if err := s.checkHubBalance(ctx, task.key, signed); err != nil {
			return err
		}
	}

	result, err := s.contract.ClaimFromChannel(ctx, signed)
	if errors.Is(err, contract.ErrInsufficientFunds) {
		return errInsufficientHubBalance
	}
	if err != nil {
		return err
	}

	if err := s.store.RAVs.MarkAsClaimed(ctx, task.key.channelID, task.key.vmIDFragment, signed.SubRAV.Nonce); err != nil {
		s.logger.Warn("marking receipts claimed failed", zap.Error(err))
	}
	nonce := signed.SubRAV.Nonce
	patch := &store.SubChannelPatch{
		LastClaimedAmount:  signed.SubRAV.AccumulatedAmount,
		LastConfirmedNonce: &nonce,
	}
	if err := s.store.Channels.UpdateSubChannelState(ctx, task.key.channelID, task.key.vmIDFragment, patch); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("updating sub-channel claim marks failed", zap.Error(err))
	}

	s.logger.Info("claimed from channel",
		zap.Stringer("channel_id", task.key.channelID),
		zap.String("vm_id_fragment", task.key.vmIDFragment),
		zap.Uint64("nonce", signed.SubRAV.Nonce),
		zap.String("claimed_amount", result.ClaimedAmount.String()),
		zap.String("tx_hash", result.TxHash),
	)
	return nil
}

// checkHubBalance refuses the claim when the payer's hub balance cannot
// cover the claimable delta.
func (s *ClaimScheduler) checkHubBalance(ctx context.Context, key subChannelKey, signed *subrav.SignedSubRAV) error {
	metadata, err := s.store.Channels.GetChannelMetadata(ctx, key.channelID)
	if err != nil {
		return err
	}

	claimable := new(big.Int).Set(signed.SubRAV.AccumulatedAmount)
	if state, err := s.store.Channels.GetSubChannelState(ctx, key.channelID, key.vmIDFragment); err == nil && state.LastClaimedAmount != nil {
		claimable.Sub(claimable, state.LastClaimedAmount)
	}
	if claimable.Sign() <= 0 {
		return nil
	}

	balance, err := s.contract.GetHubBalance(ctx, metadata.PayerDID, metadata.AssetID)
	if err != nil {
		return err
	}
	if balance.Cmp(claimable) < 0 {
		return errInsufficientHubBalance
	}
	return nil
}
