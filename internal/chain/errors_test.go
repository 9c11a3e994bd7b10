package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyBySelector(t *testing.T) {
	data := hexutil.Encode(errorSelector("AlreadyRequested()"))
	err := Classify(rpcError{code: 3, msg: "execution reverted", data: data})

	require.ErrorIs(t, err, ErrAlreadyRequested)
	assert.NotErrorIs(t, err, ErrDisputeNotActive)
}

func TestClassifyByMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"execution reverted: AlreadyRequested", ErrAlreadyRequested},
		{"execution reverted: Market already resolved", ErrAlreadyResolved},
		{"execution reverted: Dispute not active", ErrDisputeNotActive},
		{"execution reverted: Market does not exist", ErrMarketNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			err := Classify(errors.New(tc.msg))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClassifyLeavesUnknownErrors(t *testing.T) {
	orig := errors.New("insufficient funds for gas")
	err := Classify(orig)

	assert.Same(t, orig, err)
	assert.Nil(t, Classify(nil))
}

func TestClassifyIsIdempotent(t *testing.T) {
	once := Classify(errors.New("already requested"))
	twice := Classify(fmt.Errorf("estimate gas: %w", once))

	assert.ErrorIs(t, twice, ErrAlreadyRequested)
	assert.Equal(t, "estimate gas: "+once.Error(), twice.Error())
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, isRateLimited(errors.New("429 Too Many Requests")))
	assert.True(t, isRateLimited(rpcError{code: -32005, msg: "slow down"}))
	assert.False(t, isRateLimited(errors.New("connection refused")))

	assert.True(t, isApplicationError(rpcError{code: -32000, msg: "nonce too low"}))
	assert.True(t, isApplicationError(rpcError{code: 3, msg: "boom"}))
	assert.False(t, isApplicationError(errors.New("execution reverted")), "plain errors are transport failures")
	assert.False(t, isApplicationError(rpcError{code: -32005, msg: "rate limit"}))
}
