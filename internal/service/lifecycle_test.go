package service

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xrin1/flippening/internal/commitment"
	"github.com/0xrin1/flippening/internal/domain"
)

func (h *harness) create(t *testing.T, secret string) domain.Wager {
	t.Helper()
	w, err := h.controller.Create(h.ctx, creatorAddr, commitment.Commit(secret), stakeAsset, eth(1))
	require.NoError(t, err)
	return w
}

func TestCreateEscrowsStake(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	w := h.create(t, commitment.Secret("salt", true))

	assert.Equal(t, uint64(0), w.ID)
	assert.Equal(t, domain.WagerCreated, w.Status)
	assert.Equal(t, h.clock.Now().Add(time.Hour), w.ExpiresAt)
	assert.Equal(t, h.clock.Now().Add(2*time.Hour), w.GraceEndsAt)
	assert.Equal(t, eth(9), h.balance(stakeAsset, creatorAddr))
	assert.Equal(t, eth(1), h.balance(stakeAsset, escrowAddr))

	ev, ok := h.sink.last(domain.EventCreated)
	require.True(t, ok)
	assert.Equal(t, creatorAddr, ev.Creator)
	assert.Equal(t, eth(1), ev.Amount)
}

func TestCreateRejectedTransfer(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	h.ledger.Approve(stakeAsset, creatorAddr, escrowAddr, eth(0))

	_, err := h.controller.Create(h.ctx, creatorAddr, commitment.Commit("s true"), stakeAsset, eth(1))
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	n, err := h.wagers.Count(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, eth(10), h.balance(stakeAsset, creatorAddr))
}

func TestGuesserWinsReceivesStake(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	secret := commitment.Secret("salt", true)
	w := h.create(t, secret)

	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)
	settled, err := h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.NoError(t, err)

	assert.Equal(t, domain.WagerSettled, settled.Status)
	assert.True(t, settled.GuesserWon)
	assert.Empty(t, settled.PendingPayouts())
	assert.Equal(t, eth(11), h.balance(stakeAsset, guesserAddr))
	assert.Equal(t, eth(9), h.balance(stakeAsset, creatorAddr))
	assert.Zero(t, h.balance(stakeAsset, escrowAddr).Sign())

	supply, err := h.settlement.CurrentSupply(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, supply.Sign())

	ev, ok := h.sink.last(domain.EventSettled)
	require.True(t, ok)
	assert.False(t, ev.CreatorRetainedStake)
}

func TestCreatorWinsKeepsStakeAndMintsReward(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	secret := commitment.Secret("salt", false)
	w := h.create(t, secret)

	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)
	settled, err := h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.NoError(t, err)

	assert.False(t, settled.GuesserWon)
	assert.Equal(t, eth(10), h.balance(stakeAsset, creatorAddr))
	assert.Equal(t, eth(10), h.balance(stakeAsset, guesserAddr))
	assert.Equal(t, eth(1), h.balance(rewardAddr, creatorAddr))

	supply, err := h.settlement.CurrentSupply(h.ctx)
	require.NoError(t, err)
	total, err := h.reward.TotalSupply(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, eth(1), supply)
	assert.Equal(t, total, supply)

	ev, ok := h.sink.last(domain.EventSettled)
	require.True(t, ok)
	assert.True(t, ev.CreatorRetainedStake)
}

func TestExpirePaysKeeperAndGuesser(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	w := h.create(t, commitment.Secret("salt", false))
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)

	h.clock.Advance(7199 * time.Second)
	_, err = h.controller.Expire(h.ctx, w.ID, keeperAddr)
	require.ErrorIs(t, err, domain.ErrGracePeriodNotElapsed)

	h.clock.Advance(time.Second)
	expired, err := h.controller.Expire(h.ctx, w.ID, keeperAddr)
	require.NoError(t, err)

	assert.Equal(t, domain.ResolvedByExpiry, expired.Resolution)
	assert.Equal(t, centiEth(1), h.balance(stakeAsset, keeperAddr))
	assert.Equal(t, new(big.Int).Add(eth(10), centiEth(99)), h.balance(stakeAsset, guesserAddr))
	assert.Zero(t, h.balance(stakeAsset, escrowAddr).Sign())

	reward, ok := h.sink.last(domain.EventReward)
	require.True(t, ok)
	assert.Equal(t, centiEth(1), reward.Amount)
	settled, ok := h.sink.last(domain.EventSettled)
	require.True(t, ok)
	assert.False(t, settled.CreatorRetainedStake)
}

func TestCancelRestoresBalance(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	secret := commitment.Secret("salt", true)
	w := h.create(t, secret)

	_, err := h.controller.Cancel(h.ctx, w.ID, guesserAddr, secret, stakeAsset)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.controller.Cancel(h.ctx, w.ID, creatorAddr, "salt false", stakeAsset)
	require.ErrorIs(t, err, domain.ErrSecretMismatch)

	cancelled, err := h.controller.Cancel(h.ctx, w.ID, creatorAddr, secret, stakeAsset)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerCancelled, cancelled.Status)
	assert.Equal(t, eth(10), h.balance(stakeAsset, creatorAddr))
	assert.Contains(t, h.sink.kinds(), domain.EventCancelled)

	_, err = h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.ErrorIs(t, err, domain.ErrAlreadyGuessed)
}

func TestCancelAfterGuessRejected(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	secret := commitment.Secret("salt", true)
	w := h.create(t, secret)
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "false")
	require.NoError(t, err)

	_, err = h.controller.Cancel(h.ctx, w.ID, creatorAddr, secret, stakeAsset)
	require.ErrorIs(t, err, domain.ErrAlreadyGuessed)
}

func TestGuessAfterExpiration(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	w := h.create(t, commitment.Secret("salt", true))

	h.clock.Advance(time.Hour)
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.ErrorIs(t, err, domain.ErrExpirationPassed)

	got, err := h.controller.Get(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerCreated, got.Status)
}

func TestGuessNormalizesChoice(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	w := h.create(t, commitment.Secret("salt", true))

	got, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "FALSE")
	require.NoError(t, err)
	assert.True(t, got.Guess)
	assert.Equal(t, "FALSE", got.RawGuess)

	ev, ok := h.sink.last(domain.EventGuess)
	require.True(t, ok)
	assert.Equal(t, "FALSE", ev.RawChoice)
	assert.True(t, ev.NormalizedChoice)
}

func TestSettleGuards(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	secret := commitment.Secret("salt", true)
	w := h.create(t, secret)

	_, err := h.controller.Settle(h.ctx, 99, creatorAddr, secret)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.ErrorIs(t, err, domain.ErrNoGuess)

	_, err = h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)

	_, err = h.controller.Settle(h.ctx, w.ID, creatorAddr, "salt false")
	require.ErrorIs(t, err, domain.ErrSecretMismatch)
	got, err := h.controller.Get(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerGuessed, got.Status)
	assert.Equal(t, eth(1), h.balance(stakeAsset, escrowAddr))

	_, err = h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.NoError(t, err)
	_, err = h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
	_, err = h.controller.Expire(h.ctx, w.ID, keeperAddr)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestLateSettleAfterGrace(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	secret := commitment.Secret("salt", false)
	w := h.create(t, secret)
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)

	h.clock.Advance(3 * time.Hour)
	settled, err := h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolvedByReveal, settled.Resolution)
	assert.Equal(t, eth(10), h.balance(stakeAsset, creatorAddr))
}

func TestConcurrentGuessesSingleWinner(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	w := h.create(t, commitment.Secret("salt", true))

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyGuessed)
	}
	assert.Equal(t, 1, ok)
}

func TestSettleExpireRaceReleasesOnce(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	secret := commitment.Secret("salt", true)
	w := h.create(t, secret)
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	var settleErr, expireErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, settleErr = h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	}()
	go func() {
		defer wg.Done()
		_, expireErr = h.controller.Expire(h.ctx, w.ID, keeperAddr)
	}()
	wg.Wait()

	if settleErr == nil {
		require.ErrorIs(t, expireErr, domain.ErrAlreadySettled)
	} else {
		require.ErrorIs(t, settleErr, domain.ErrAlreadySettled)
		require.NoError(t, expireErr)
	}
	assert.Zero(t, h.balance(stakeAsset, escrowAddr).Sign())
	total := new(big.Int).Add(h.balance(stakeAsset, guesserAddr), h.balance(stakeAsset, keeperAddr))
	assert.Equal(t, eth(11), total)
}

func TestUnderfundedEscrowAbortsBeforeTransition(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	secret := commitment.Secret("salt", true)
	w := h.create(t, secret)
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)

	_, err = h.ledger.Transfer(h.ctx, stakeAsset, ownerAddr, centiEth(50))
	require.NoError(t, err)

	_, err = h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	got, err := h.controller.Get(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerGuessed, got.Status)
}

func TestFailedPayoutIsRetried(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	secret := commitment.Secret("salt", true)
	w := h.create(t, secret)
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)

	h.ledger.SetFault(func(op string, _ common.Address) error {
		if op == "transfer" {
			return errors.New("token paused")
		}
		return nil
	})
	settled, err := h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerSettled, settled.Status)
	assert.Len(t, settled.PendingPayouts(), 1)
	assert.Equal(t, eth(10), h.balance(stakeAsset, guesserAddr))

	h.ledger.SetFault(nil)
	n, err := h.settlement.RetryPending(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, eth(11), h.balance(stakeAsset, guesserAddr))

	n, err = h.settlement.RetryPending(h.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, eth(11), h.balance(stakeAsset, guesserAddr))
}

func TestCreatorWinWithoutRewardTokenAborts(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	h.settlement.SetRewardToken(nil)
	secret := commitment.Secret("salt", false)
	w := h.create(t, secret)
	_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
	require.NoError(t, err)

	_, err = h.controller.Settle(h.ctx, w.ID, creatorAddr, secret)
	require.ErrorIs(t, err, domain.ErrNotConfigured)
	got, err := h.controller.Get(h.ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WagerGuessed, got.Status)
}

func TestKeeperSweepExpiresDueWagers(t *testing.T) {
	h := newHarness(t, defaultEconomics())
	for i := 0; i < 2; i++ {
		w := h.create(t, commitment.Secret("salt", true))
		_, err := h.controller.Guess(h.ctx, w.ID, guesserAddr, "true")
		require.NoError(t, err)
	}
	h.create(t, commitment.Secret("open", true))

	k := NewKeeper(h.wagers, h.controller, keeperAddr, time.Second, 10, discardLogger()).WithClock(h.clock.Now)
	n, err := k.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Hour)
	n, err = k.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, centiEth(2), h.balance(stakeAsset, keeperAddr))
}
