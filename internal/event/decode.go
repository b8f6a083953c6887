package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// New returns an empty event of the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeTokenDeposit:
		return &TokenDeposit{}, nil
	case EventTypeBuyUSDG:
		return &BuyUSDG{}, nil
	case EventTypeSellUSDG:
		return &SellUSDG{}, nil
	case EventTypeSwap:
		return &Swap{}, nil
	case EventTypeIncreasePosition:
		return &IncreasePosition{}, nil
	case EventTypeDecreasePosition:
		return &DecreasePosition{}, nil
	case EventTypeLiquidatePosition:
		return &LiquidatePosition{}, nil
	case EventTypePriceUpdate:
		return &PriceUpdate{}, nil
	case EventTypeTokenConfigUpdate:
		return &TokenConfigUpdate{}, nil
	case EventTypeFeeScheduleUpdate:
		return &FeeScheduleUpdate{}, nil
	case EventTypeVaultSettingsUpdate:
		return &VaultSettingsUpdate{}, nil
	case EventTypeWithdrawFees:
		return &WithdrawFees{}, nil
	case EventTypeDirectPoolDeposit:
		return &DirectPoolDeposit{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
}

// Decode parses a JSON payload as written by the core into a typed event.
// Unknown fields are rejected.
func Decode(et EventType, data []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
