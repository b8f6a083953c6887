package event_test

import (
	"PerpVault/internal/event"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmount_EncodesAsDecimalString(t *testing.T) {
	big := uint256.MustFromDecimal("90000000000000000000000000000000")
	cmd := event.IncreasePosition{
		RequestID:       uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Account:         "bob",
		CollateralToken: "DAI",
		IndexToken:      "BTC",
		SizeDelta:       event.NewAmount(big),
	}

	raw, err := json.Marshal(&cmd)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"size_delta":"90000000000000000000000000000000"`)

	var decoded event.IncreasePosition
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, big.Dec(), decoded.SizeDelta.Value().Dec())
}

func TestAmount_AcceptsBareNumbersAndNull(t *testing.T) {
	var d event.TokenDeposit
	require.NoError(t, json.Unmarshal([]byte(`{"token":"DAI","amount":1500}`), &d))
	assert.Equal(t, uint64(1500), d.Amount.Uint64())

	require.NoError(t, json.Unmarshal([]byte(`{"amount":null}`), &d))
	assert.True(t, d.Amount.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"amount":"-4"}`), &d))
}

func TestEventType_ParseRoundTrip(t *testing.T) {
	for et := event.EventTypeTokenDeposit; et <= event.EventTypeDirectPoolDeposit; et++ {
		assert.Equal(t, et, event.ParseEventType(et.String()))
	}
	assert.Equal(t, event.EventTypeUnknown, event.ParseEventType("TradeFill"))
	assert.True(t, event.EventTypeFeeScheduleUpdate.IsConfig())
	assert.False(t, event.EventTypeSwap.IsConfig())
}

func TestIdempotencyKeys(t *testing.T) {
	p := &event.PriceUpdate{Token: "BTC", PriceSequence: 42}
	assert.Equal(t, "BTC:price:42", p.IdempotencyKey())
	assert.Equal(t, "BTC", *p.TokenID())

	f := &event.FeeScheduleUpdate{EffectiveSeq: 3}
	assert.Equal(t, "fee_schedule:3", f.IdempotencyKey())
	assert.Nil(t, f.TokenID())
}

func TestDecode_RoundTripsEveryType(t *testing.T) {
	for et := event.EventTypeTokenDeposit; et <= event.EventTypeDirectPoolDeposit; et++ {
		evt, err := event.New(et)
		require.NoError(t, err, et.String())
		assert.Equal(t, et, evt.EventType())

		raw, err := json.Marshal(evt)
		require.NoError(t, err)
		decoded, err := event.Decode(et, raw)
		require.NoError(t, err, et.String())
		assert.Equal(t, evt, decoded)
	}
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	_, err := event.Decode(event.EventTypeSwap, []byte(`{"token_in":"DAI","token_out":"BTC","slippage":1}`))
	assert.Error(t, err)

	_, err = event.Decode(event.EventTypeUnknown, []byte(`{}`))
	assert.Error(t, err)
}
