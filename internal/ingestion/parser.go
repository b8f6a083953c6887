package ingestion

import (
	"PerpVault/internal/event"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type name) into a typed event.Event.
// The shell only checks shape here. Whether the vault accepts the command is decided by
// the core, which logs the rejection.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et := event.ParseEventType(eventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	evt, err := event.Decode(et, raw.Data)
	if err != nil {
		return nil, err
	}

	if err := Validate(evt); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", eventType, err)
	}
	return evt, nil
}

// Validate checks that a command carries its identifiers and required fields.
func Validate(evt event.Event) error {
	if evt.EventTime() <= 0 {
		return errors.New("timestamp must be positive")
	}

	switch e := evt.(type) {
	case *event.TokenDeposit:
		return firstErr(
			requireID("deposit_id", e.DepositID),
			requireField("account", e.Account),
			requireField("token", e.Token),
		)
	case *event.DirectPoolDeposit:
		return firstErr(
			requireID("request_id", e.RequestID),
			requireField("token", e.Token),
		)
	case *event.BuyUSDG:
		return firstErr(
			requireID("request_id", e.RequestID),
			requireField("token", e.Token),
			requireField("receiver", e.Receiver),
		)
	case *event.SellUSDG:
		return firstErr(
			requireID("request_id", e.RequestID),
			requireField("account", e.Account),
			requireField("token", e.Token),
			requireField("receiver", e.Receiver),
		)
	case *event.Swap:
		return firstErr(
			requireID("request_id", e.RequestID),
			requireField("token_in", e.TokenIn),
			requireField("token_out", e.TokenOut),
			requireField("receiver", e.Receiver),
		)
	case *event.IncreasePosition:
		return firstErr(
			requireID("request_id", e.RequestID),
			requireField("account", e.Account),
			requireField("collateral_token", e.CollateralToken),
			requireField("index_token", e.IndexToken),
		)
	case *event.DecreasePosition:
		return firstErr(
			requireID("request_id", e.RequestID),
			requireField("account", e.Account),
			requireField("collateral_token", e.CollateralToken),
			requireField("index_token", e.IndexToken),
			requireField("receiver", e.Receiver),
		)
	case *event.LiquidatePosition:
		if e.Keeper {
			return errors.New("keeper liquidations are issued by the core only")
		}
		return firstErr(
			requireID("liquidation_id", e.LiquidationID),
			requireField("account", e.Account),
			requireField("collateral_token", e.CollateralToken),
			requireField("index_token", e.IndexToken),
			requireField("fee_receiver", e.FeeReceiver),
		)
	case *event.WithdrawFees:
		return firstErr(
			requireID("request_id", e.RequestID),
			requireField("token", e.Token),
			requireField("receiver", e.Receiver),
		)
	case *event.PriceUpdate:
		if e.Price.IsZero() {
			return errors.New("price must be positive")
		}
		return requireField("token", e.Token)
	case *event.TokenConfigUpdate:
		return requireField("token", e.Token)
	case *event.FeeScheduleUpdate, *event.VaultSettingsUpdate:
		return nil
	default:
		return fmt.Errorf("unsupported event %T", evt)
	}
}

func requireID(name string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func requireField(name, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
