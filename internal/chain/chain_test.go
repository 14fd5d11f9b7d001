package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaboibarra/fraudchain/internal/failure"
	"github.com/gaboibarra/fraudchain/internal/fingerprint"
	"github.com/gaboibarra/fraudchain/internal/testutil"
)

func testAccount(t *testing.T) *SenderAccount {
	t.Helper()
	acct, err := NewSenderAccount(testutil.TestPrivateKey, 1337)
	require.NoError(t, err)
	return acct
}

func TestSenderAccountAddress(t *testing.T) {
	acct := testAccount(t)
	assert.Equal(t, common.HexToAddress(testutil.TestAddress), acct.Address())
	assert.Equal(t, int64(1337), acct.ChainID().Int64())
}

func TestSenderAccountNeverRendersKey(t *testing.T) {
	acct := testAccount(t)
	secret := strings.TrimPrefix(testutil.TestPrivateKey, "0x")

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	logger.Info("sender", "account", acct)

	js, err := json.Marshal(acct)
	require.NoError(t, err)

	renderings := []string{
		acct.String(),
		fmt.Sprintf("%v", acct),
		fmt.Sprintf("%+v", acct),
		fmt.Sprintf("%#v", acct),
		fmt.Sprintf("%s", acct),
		string(js),
		logs.String(),
	}
	for _, r := range renderings {
		assert.NotContains(t, r, secret)
		assert.Contains(t, r, acct.Address().Hex())
	}
}

func TestNewSenderAccountRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"no prefix", strings.Repeat("1", 64)},
		{"short", "0x" + strings.Repeat("1", 62)},
		{"not hex", "0x" + strings.Repeat("g", 64)},
		{"zero scalar", "0x" + strings.Repeat("0", 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSenderAccount(tt.key, 1337)
			require.Error(t, err)
			assert.True(t, failure.IsConfiguration(err))
			if len(tt.key) > 4 {
				assert.NotContains(t, err.Error(), tt.key[2:])
			}
		})
	}

	_, err := NewSenderAccount(testutil.TestPrivateKey, 0)
	assert.True(t, failure.IsConfiguration(err))
}

func TestSenderAccountSign(t *testing.T) {
	acct := testAccount(t)
	to := common.HexToAddress(testutil.TestContract)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   acct.ChainID(),
		Nonce:     5,
		GasTipCap: big.NewInt(2),
		GasFeeCap: big.NewInt(20),
		Gas:       60_000,
		To:        &to,
	})

	signed, err := acct.Sign(tx)
	require.NoError(t, err)

	from, err := types.Sender(types.NewLondonSigner(acct.ChainID()), signed)
	require.NoError(t, err)
	assert.Equal(t, acct.Address(), from)

	var empty *SenderAccount
	_, err = empty.Sign(tx)
	assert.True(t, failure.IsConfiguration(err))
}

func TestRegistryPackRegister(t *testing.T) {
	reg, err := NewRegistry(common.HexToAddress(testutil.TestContract))
	require.NoError(t, err)

	decision := fingerprint.MustParse("0x" + strings.Repeat("aa", 32))
	reference := fingerprint.MustParse("0x" + strings.Repeat("bb", 32))

	data, err := reg.PackRegister(decision, reference)
	require.NoError(t, err)
	require.Len(t, data, 4+32+32)

	selector := crypto.Keccak256([]byte("registerSecureTx(bytes32,bytes32)"))[:4]
	assert.Equal(t, selector, data[:4])
	assert.Equal(t, decision.Bytes(), data[4:36])
	assert.Equal(t, reference.Bytes(), data[36:68])
}

func TestRegistryFindRegistration(t *testing.T) {
	reg, err := NewRegistry(common.HexToAddress(testutil.TestContract))
	require.NoError(t, err)

	decision := fingerprint.MustParse("0x" + strings.Repeat("aa", 32))
	other := fingerprint.MustParse("0x" + strings.Repeat("cc", 32))
	reference := fingerprint.MustParse("0x" + strings.Repeat("bb", 32))

	event := reg.abi.Events[EventSecureTx]
	data, err := event.Inputs.NonIndexed().Pack([32]byte(reference), big.NewInt(1_700_000_000))
	require.NoError(t, err)

	fake := testutil.NewFakeChain()
	fake.Head = 500
	fake.Logs = []types.Log{
		{
			Address:     reg.Address(),
			Topics:      []common.Hash{event.ID, common.Hash(other)},
			Data:        data,
			BlockNumber: 450,
			TxHash:      common.HexToHash("0x01"),
		},
		{
			Address:     reg.Address(),
			Topics:      []common.Hash{event.ID, common.Hash(decision)},
			Data:        data,
			BlockNumber: 460,
			TxHash:      common.HexToHash("0x02"),
		},
	}

	found, err := reg.FindRegistration(context.Background(), fake, decision, 100)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, uint64(460), found.BlockNumber)
	assert.Equal(t, common.HexToHash("0x02"), found.TxHash)
	assert.Equal(t, reference, found.Reference)

	// Outside the lookback window.
	found, err = reg.FindRegistration(context.Background(), fake, decision, 10)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFeeManagerStatic(t *testing.T) {
	fake := testutil.NewFakeChain()
	maxFee := new(big.Int).Mul(big.NewInt(20), Gwei)
	tip := new(big.Int).Mul(big.NewInt(2), Gwei)

	fm, err := NewFeeManager(fake, FeeModeStatic, maxFee, tip)
	require.NoError(t, err)

	fees, err := fm.CurrentFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fees.MaxFeePerGas.Cmp(maxFee))
	assert.Equal(t, 0, fees.MaxPriorityFeePerGas.Cmp(tip))
	assert.Equal(t, 0, fake.TotalCalls(), "static mode makes no RPC calls")
	assert.Equal(t, "max=20.00 gwei tip=2.00 gwei", fees.String())

	// Returned values are copies.
	fees.MaxFeePerGas.SetInt64(1)
	again, err := fm.CurrentFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.MaxFeePerGas.Cmp(maxFee))
}

func TestFeeManagerNetworkNeverBelowFloor(t *testing.T) {
	maxFee := new(big.Int).Mul(big.NewInt(20), Gwei)
	tip := new(big.Int).Mul(big.NewInt(2), Gwei)

	t.Run("quiet network uses floor", func(t *testing.T) {
		fake := testutil.NewFakeChain()
		fake.BaseFee = big.NewInt(7)
		fake.Tip = big.NewInt(1)

		fm, err := NewFeeManager(fake, FeeModeNetwork, maxFee, tip)
		require.NoError(t, err)
		fees, err := fm.CurrentFees(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, fees.MaxFeePerGas.Cmp(maxFee))
		assert.Equal(t, 0, fees.MaxPriorityFeePerGas.Cmp(tip))
	})

	t.Run("busy network raises caps", func(t *testing.T) {
		fake := testutil.NewFakeChain()
		fake.BaseFee = new(big.Int).Mul(big.NewInt(30), Gwei)
		fake.Tip = new(big.Int).Mul(big.NewInt(3), Gwei)

		fm, err := NewFeeManager(fake, FeeModeNetwork, maxFee, tip)
		require.NoError(t, err)
		fees, err := fm.CurrentFees(context.Background())
		require.NoError(t, err)

		want := new(big.Int).Mul(big.NewInt(63), Gwei) // 2*30 + 3
		assert.Equal(t, 0, fees.MaxFeePerGas.Cmp(want), "got %s", fees.MaxFeePerGas)
		assert.Equal(t, 0, fees.MaxPriorityFeePerGas.Cmp(fake.Tip))
	})
}

func TestFeeParamsReplacing(t *testing.T) {
	current := FeeParams{MaxFeePerGas: big.NewInt(20), MaxPriorityFeePerGas: big.NewInt(2)}

	// Same pricing as the pending transaction: both caps rise by 12.5%, rounded up.
	fees := current.Replacing(big.NewInt(20), big.NewInt(2))
	assert.Equal(t, int64(23), fees.MaxFeePerGas.Int64())
	assert.Equal(t, int64(3), fees.MaxPriorityFeePerGas.Int64())

	// Network moved above the bump: current fees win.
	busy := FeeParams{MaxFeePerGas: big.NewInt(100), MaxPriorityFeePerGas: big.NewInt(10)}
	fees = busy.Replacing(big.NewInt(20), big.NewInt(2))
	assert.Equal(t, int64(100), fees.MaxFeePerGas.Int64())
	assert.Equal(t, int64(10), fees.MaxPriorityFeePerGas.Int64())

	// Inputs are not aliased.
	fees.MaxFeePerGas.SetInt64(1)
	assert.Equal(t, int64(100), busy.MaxFeePerGas.Int64())
}

func TestNewFeeManagerValidation(t *testing.T) {
	fake := testutil.NewFakeChain()
	_, err := NewFeeManager(fake, "dynamic", big.NewInt(2), big.NewInt(1))
	assert.True(t, failure.IsConfiguration(err))

	_, err = NewFeeManager(fake, FeeModeStatic, big.NewInt(1), big.NewInt(2))
	assert.True(t, failure.IsConfiguration(err))

	_, err = NewFeeManager(fake, FeeModeStatic, nil, big.NewInt(2))
	assert.True(t, failure.IsConfiguration(err))
}

func TestNonceManagerRequeriesEveryTime(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.Nonce = 5
	nm := NewNonceManager(fake)
	sender := common.HexToAddress(testutil.TestAddress)

	n, err := nm.NextNonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	// Another writer moved the account forward.
	fake.Nonce = 9
	n, err = nm.NextNonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)
	assert.Equal(t, 2, fake.Calls("PendingNonceAt"))
}

func TestNonceManagerFloor(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.Nonce = 5
	nm := NewNonceManager(fake)
	sender := common.HexToAddress(testutil.TestAddress)

	nm.Accepted(sender, 5)
	n, err := nm.NextNonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n, "lagging node does not reuse an accepted nonce")

	nm.Invalidate(sender)
	n, err = nm.NextNonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n, "after invalidation the node is authoritative")
}

func TestNonceManagerQueryErrorIsTransient(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.NonceErrs = []error{errors.New("connection reset")}
	nm := NewNonceManager(fake)

	_, err := nm.NextNonce(context.Background(), common.HexToAddress(testutil.TestAddress))
	require.Error(t, err)
	assert.True(t, failure.IsTransient(err))
}

func TestNonceManagerAcquireHonoursDeadline(t *testing.T) {
	nm := NewNonceManager(testutil.NewFakeChain())
	sender := common.HexToAddress(testutil.TestAddress)

	release, err := nm.Acquire(context.Background(), sender)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = nm.Acquire(ctx, sender)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, failure.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), sender.Hex())
}

func sendTestTx(t *testing.T, fake *testutil.FakeChain) common.Hash {
	t.Helper()
	acct := testAccount(t)
	to := common.HexToAddress(testutil.TestContract)
	tx, err := acct.Sign(types.NewTx(&types.DynamicFeeTx{
		ChainID:   acct.ChainID(),
		Nonce:     fake.Nonce,
		GasTipCap: big.NewInt(2),
		GasFeeCap: big.NewInt(20),
		Gas:       60_000,
		To:        &to,
	}))
	require.NoError(t, err)
	require.NoError(t, fake.SendTransaction(context.Background(), tx))
	return tx.Hash()
}

func TestWaiterReturnsInclusion(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.PendingPolls = 3
	fake.ReceiptBlock = 1000
	clk := testutil.NewManualClock(time.Unix(0, 0))
	hash := sendTestTx(t, fake)

	w := NewWaiter(fake, WithWaiterClock(clk), WithPollInterval(time.Second))
	inc, err := w.Wait(context.Background(), hash, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), inc.BlockNumber)
	assert.True(t, inc.Succeeded)
	assert.Equal(t, hash, inc.TxHash)
	assert.Equal(t, 4, fake.Calls("TransactionReceipt"))
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, clk.Sleeps())
}

func TestWaiterTimeout(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.NeverConfirm = true
	clk := testutil.NewManualClock(time.Unix(0, 0))
	hash := sendTestTx(t, fake)

	w := NewWaiter(fake, WithWaiterClock(clk), WithPollInterval(4*time.Second))
	_, err := w.Wait(context.Background(), hash, 10*time.Second)
	require.Error(t, err)
	assert.True(t, failure.IsConfirmationTimeout(err))
	assert.Contains(t, err.Error(), hash.Hex())

	// Polls at t=0, 4, 8, 10; the last sleep is clipped to the deadline.
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second, 2 * time.Second}, clk.Sleeps())
	assert.Equal(t, 4, fake.Calls("TransactionReceipt"))
}

func TestWaiterCallerDeadline(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.NeverConfirm = true
	hash := sendTestTx(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWaiter(fake, WithWaiterClock(testutil.NewManualClock(time.Unix(0, 0))))
	_, err := w.Wait(ctx, hash, time.Minute)
	require.Error(t, err)
	assert.True(t, failure.IsConfirmationTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaiterWaitAnyReturnsWhicheverLands(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.PendingPolls = 2
	clk := testutil.NewManualClock(time.Unix(0, 0))
	dropped := common.HexToHash("0xdead")
	landed := sendTestTx(t, fake)

	w := NewWaiter(fake, WithWaiterClock(clk), WithPollInterval(time.Second))
	inc, err := w.WaitAny(context.Background(), []common.Hash{dropped, landed}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, landed, inc.TxHash)
	assert.Equal(t, 6, fake.Calls("TransactionReceipt"), "both hashes polled every round")

	_, ok := w.Check(context.Background(), []common.Hash{dropped})
	assert.False(t, ok)

	_, err = w.WaitAny(context.Background(), nil, time.Minute)
	assert.True(t, failure.IsValidation(err))
}

func TestWaiterWaitAnyTimeoutNamesLatest(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.NeverConfirm = true
	first := common.HexToHash("0x01")
	second := common.HexToHash("0x02")

	w := NewWaiter(fake, WithWaiterClock(testutil.NewManualClock(time.Unix(0, 0))))
	_, err := w.WaitAny(context.Background(), []common.Hash{first, second}, 2*time.Second)
	require.Error(t, err)
	assert.True(t, failure.IsConfirmationTimeout(err))
	assert.Contains(t, err.Error(), second.Hex())
}

func TestWaiterToleratesQueryErrors(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.ReceiptErr = errors.New("503 service unavailable")
	hash := sendTestTx(t, fake)

	w := NewWaiter(fake, WithWaiterClock(testutil.NewManualClock(time.Unix(0, 0))))
	_, err := w.Wait(context.Background(), hash, 3*time.Second)
	require.Error(t, err)
	assert.True(t, failure.IsConfirmationTimeout(err))
	assert.Greater(t, fake.Calls("TransactionReceipt"), 1)
}

func TestCheckHealth(t *testing.T) {
	fake := testutil.NewFakeChain()
	acct := testAccount(t)
	contract := common.HexToAddress(testutil.TestContract)

	h, err := CheckHealth(context.Background(), fake, acct, contract)
	require.NoError(t, err)
	assert.True(t, h.RPCConnected)
	assert.True(t, h.ChainIDMatches)
	assert.True(t, h.ContractDeployed)
	assert.Equal(t, uint64(100), h.LatestBlock)
	assert.Equal(t, acct.Address().Hex(), h.Sender)

	fake.ChainIDValue = 1
	fake.Code = nil
	h, err = CheckHealth(context.Background(), fake, acct, contract)
	require.NoError(t, err)
	assert.False(t, h.ChainIDMatches)
	assert.False(t, h.ContractDeployed)
}
