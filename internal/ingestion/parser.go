package ingestion

import (
	"StableLedger/internal/event"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/state"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ParseCommand converts a JSON command into a typed event.Event.
// commandType accepts both the subject token ("deposit_and_mint") and the
// type name ("DepositAndMint"). Every failure wraps state.ErrInvalidCommand.
// Amounts are accepted as-is, including zero: the engine owns amount rules.
func ParseCommand(commandType string, data []byte) (event.Event, error) {
	et, ok := event.ParseEventType(commandType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command type %q", state.ErrInvalidCommand, commandType)
	}

	var (
		evt event.Event
		err error
	)
	switch et {
	case event.EventTypeDeposit:
		evt, err = parseDeposit(data)
	case event.EventTypeMint:
		evt, err = parseMint(data)
	case event.EventTypeWithdraw:
		evt, err = parseWithdraw(data)
	case event.EventTypeBurn:
		evt, err = parseBurn(data)
	case event.EventTypeDepositAndMint:
		evt, err = parseDepositAndMint(data)
	case event.EventTypeBurnAndRedeem:
		evt, err = parseBurnAndRedeem(data)
	case event.EventTypeLiquidate:
		evt, err = parseLiquidate(data)
	default:
		return nil, fmt.Errorf("%w: unsupported command type %q", state.ErrInvalidCommand, commandType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", state.ErrInvalidCommand, et, err)
	}
	return evt, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. IDs are UUID
// strings; amounts are base-unit integers as decimal strings so 256-bit
// values survive JSON.

type headerJSON struct {
	CommandID   string `json:"command_id"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (h headerJSON) parse() (event.Header, error) {
	commandID, err := parseID("command_id", h.CommandID)
	if err != nil {
		return event.Header{}, err
	}
	userID, err := parseID("user_id", h.UserID)
	if err != nil {
		return event.Header{}, err
	}
	if h.Asset == "" {
		return event.Header{}, fmt.Errorf("asset is required")
	}
	if h.TimestampUs <= 0 {
		return event.Header{}, fmt.Errorf("timestamp_us is required")
	}
	return event.Header{
		CommandID:   commandID,
		UserID:      userID,
		AssetSymbol: h.Asset,
		Timestamp:   time.UnixMicro(h.TimestampUs).UTC(),
	}, nil
}

type amountJSON struct {
	headerJSON
	Amount string `json:"amount"`
}

func decodeAmount(data []byte) (event.Header, *uint256.Int, error) {
	var j amountJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.Header{}, nil, err
	}
	h, err := j.headerJSON.parse()
	if err != nil {
		return event.Header{}, nil, err
	}
	amt, err := parseAmount("amount", j.Amount)
	if err != nil {
		return event.Header{}, nil, err
	}
	return h, amt, nil
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	h, amt, err := decodeAmount(data)
	if err != nil {
		return nil, err
	}
	return &event.Deposit{Header: h, Amount: amt}, nil
}

func parseMint(data []byte) (*event.Mint, error) {
	h, amt, err := decodeAmount(data)
	if err != nil {
		return nil, err
	}
	return &event.Mint{Header: h, Amount: amt}, nil
}

func parseWithdraw(data []byte) (*event.Withdraw, error) {
	h, amt, err := decodeAmount(data)
	if err != nil {
		return nil, err
	}
	return &event.Withdraw{Header: h, Amount: amt}, nil
}

func parseBurn(data []byte) (*event.Burn, error) {
	h, amt, err := decodeAmount(data)
	if err != nil {
		return nil, err
	}
	return &event.Burn{Header: h, Amount: amt}, nil
}

type depositAndMintJSON struct {
	headerJSON
	DepositAmount string `json:"deposit_amount"`
	MintAmount    string `json:"mint_amount"`
}

func parseDepositAndMint(data []byte) (*event.DepositAndMint, error) {
	var j depositAndMintJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.headerJSON.parse()
	if err != nil {
		return nil, err
	}
	dep, err := parseAmount("deposit_amount", j.DepositAmount)
	if err != nil {
		return nil, err
	}
	mint, err := parseAmount("mint_amount", j.MintAmount)
	if err != nil {
		return nil, err
	}
	return &event.DepositAndMint{Header: h, DepositAmount: dep, MintAmount: mint}, nil
}

type burnAndRedeemJSON struct {
	headerJSON
	BurnAmount   string `json:"burn_amount"`
	RedeemAmount string `json:"redeem_amount"`
}

func parseBurnAndRedeem(data []byte) (*event.BurnAndRedeem, error) {
	var j burnAndRedeemJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	h, err := j.headerJSON.parse()
	if err != nil {
		return nil, err
	}
	burn, err := parseAmount("burn_amount", j.BurnAmount)
	if err != nil {
		return nil, err
	}
	redeem, err := parseAmount("redeem_amount", j.RedeemAmount)
	if err != nil {
		return nil, err
	}
	return &event.BurnAndRedeem{Header: h, BurnAmount: burn, RedeemAmount: redeem}, nil
}

type liquidateJSON struct {
	CommandID   string `json:"command_id"`
	Liquidator  string `json:"liquidator"`
	Debtor      string `json:"debtor"`
	Asset       string `json:"asset"`
	DebtToRepay string `json:"debt_to_repay"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	commandID, err := parseID("command_id", j.CommandID)
	if err != nil {
		return nil, err
	}
	liquidator, err := parseID("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	debtor, err := parseID("debtor", j.Debtor)
	if err != nil {
		return nil, err
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("asset is required")
	}
	if j.TimestampUs <= 0 {
		return nil, fmt.Errorf("timestamp_us is required")
	}
	repay, err := parseAmount("debt_to_repay", j.DebtToRepay)
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{
		CommandID:   commandID,
		Liquidator:  liquidator,
		Debtor:      debtor,
		AssetSymbol: j.Asset,
		DebtToRepay: repay,
		Timestamp:   time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%s must not be the nil UUID", field)
	}
	return id, nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	amt, err := fpmath.ParseBaseUnits(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return amt, nil
}

// --- Price feed updates ---

// PriceUpdate is one round reported by an upstream price feed
type PriceUpdate struct {
	Feed      string
	Answer    *big.Int // signed, in the feed's native decimals
	Sequence  int64
	UpdatedAt time.Time
}

type priceUpdateJSON struct {
	Feed        string `json:"feed"`
	Answer      string `json:"answer"`
	Sequence    int64  `json:"sequence"`
	UpdatedAtUs int64  `json:"updated_at_us"`
}

// ParsePriceUpdate decodes a feed round. The answer keeps its sign so the
// oracle can reject non-positive prices at read time.
func ParsePriceUpdate(data []byte) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price update: %w", err)
	}
	if j.Feed == "" {
		return PriceUpdate{}, fmt.Errorf("price update: feed is required")
	}
	if j.Sequence <= 0 {
		return PriceUpdate{}, fmt.Errorf("price update %s: sequence must be positive", j.Feed)
	}
	if j.UpdatedAtUs <= 0 {
		return PriceUpdate{}, fmt.Errorf("price update %s: updated_at_us is required", j.Feed)
	}

	d, err := decimal.NewFromString(j.Answer)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("price update %s answer: %w", j.Feed, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return PriceUpdate{}, fmt.Errorf("price update %s: answer %q is not an integer", j.Feed, j.Answer)
	}

	return PriceUpdate{
		Feed:      j.Feed,
		Answer:    d.BigInt(),
		Sequence:  j.Sequence,
		UpdatedAt: time.UnixMicro(j.UpdatedAtUs).UTC(),
	}, nil
}
