// Package protocol translates between wire JSON and typed commands and
// events. Decoding validates everything that can be judged without
// engine state (field presence, enum membership, numeric ranges, price
// precision); stateful checks such as tick conformance, collars, and
// margin stay in the risk gate so their rejections are sequenced.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/arenex/exchange-core/internal/fixed"
	"github.com/arenex/exchange-core/internal/model"
)

// ErrInvalidMessage is the sentinel all decode failures unwrap to.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// DecodeError pinpoints the offending field for rejection details.
type DecodeError struct {
	Field string
	Msg   string
}

func (e *DecodeError) Error() string { return fmt.Sprintf("protocol: %s: %s", e.Field, e.Msg) }

// Unwrap ties every DecodeError to ErrInvalidMessage.
func (e *DecodeError) Unwrap() error { return ErrInvalidMessage }

func fieldErr(field, msg string) *DecodeError { return &DecodeError{Field: field, Msg: msg} }

// wireCommand mirrors inbound JSON before validation. Prices and
// amounts arrive as decimal strings or numbers; both parse exactly.
type wireCommand struct {
	Type          string           `json:"type"`
	TraderID      string           `json:"trader_id"`
	Side          string           `json:"side"`
	Kind          string           `json:"kind"`
	TIF           string           `json:"tif"`
	Price         *decimal.Decimal `json:"price"`
	Qty           int64            `json:"qty"`
	ClientOrderID string           `json:"client_order_id"`
	OrderID       uint64           `json:"order_id"`
	Amount        *decimal.Decimal `json:"amount"`
}

// DecodeCommand parses and validates one inbound message. The returned
// command has no arrival sequence or timestamp; the ingress side stamps
// those on the envelope.
func DecodeCommand(data []byte) (*model.Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fieldErr("body", "message must be a JSON object")
	}

	cmd := &model.Command{
		Type:     model.CommandType(w.Type),
		TraderID: w.TraderID,
	}
	switch cmd.Type {
	case model.CmdSubmitOrder:
		return decodeSubmit(&w, cmd)

	case model.CmdCancelOrder:
		if w.TraderID == "" {
			return nil, fieldErr("trader_id", "required")
		}
		if w.OrderID == 0 {
			return nil, fieldErr("order_id", "required")
		}
		cmd.OrderID = w.OrderID
		return cmd, nil

	case model.CmdCancelAll:
		if w.TraderID == "" {
			return nil, fieldErr("trader_id", "required")
		}
		return cmd, nil

	case model.CmdAdminHalt, model.CmdAdminResume:
		return cmd, nil

	case model.CmdDeposit:
		if w.TraderID == "" {
			return nil, fieldErr("trader_id", "required")
		}
		amount, err := decodeAmount(w.Amount, "amount")
		if err != nil {
			return nil, err
		}
		cmd.Amount = amount
		return cmd, nil

	case model.CmdAdminUnfreeze:
		if w.TraderID == "" {
			return nil, fieldErr("trader_id", "required")
		}
		return cmd, nil
	}
	return nil, fieldErr("type", fmt.Sprintf("unknown command type %q", w.Type))
}

func decodeSubmit(w *wireCommand, cmd *model.Command) (*model.Command, error) {
	if w.TraderID == "" {
		return nil, fieldErr("trader_id", "required")
	}
	cmd.Side = model.Side(w.Side)
	if !cmd.Side.Valid() {
		return nil, fieldErr("side", "must be buy or sell")
	}
	cmd.Kind = model.Kind(w.Kind)
	if !cmd.Kind.Valid() {
		return nil, fieldErr("kind", "must be limit or market")
	}
	if w.TIF == "" {
		cmd.TIF = model.GTC
	} else {
		cmd.TIF = model.TIF(w.TIF)
		if !cmd.TIF.Valid() {
			return nil, fieldErr("tif", "must be gtc, ioc, or fok")
		}
	}
	if w.Qty <= 0 || w.Qty > math.MaxUint32 {
		return nil, fieldErr("qty", "must be a positive 32-bit integer")
	}
	cmd.Qty = uint32(w.Qty)
	cmd.ClientOrderID = w.ClientOrderID

	if cmd.Kind == model.Market {
		if w.Price != nil {
			return nil, fieldErr("price", "not allowed on market orders")
		}
		return cmd, nil
	}
	price, err := decodeAmount(w.Price, "price")
	if err != nil {
		return nil, err
	}
	cmd.Price = price
	return cmd, nil
}

func decodeAmount(d *decimal.Decimal, field string) (fixed.Amount, error) {
	if d == nil {
		return 0, fieldErr(field, "required")
	}
	a, err := fixed.FromDecimal(*d)
	if err != nil {
		return 0, fieldErr(field, err.Error())
	}
	if a <= 0 {
		return 0, fieldErr(field, "must be positive")
	}
	return a, nil
}

// EncodeCommand serializes a command for the journal.
func EncodeCommand(cmd *model.Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode command: %w", err)
	}
	return data, nil
}

// DecodeJournalCommand parses a journaled command frame. Journaled
// commands were validated at admission, so this is a plain unmarshal.
func DecodeJournalCommand(data []byte) (*model.Command, error) {
	var cmd model.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("protocol: journal command: %w", err)
	}
	return &cmd, nil
}

// EncodeEvent serializes an event, ensuring its wire tag is set even
// for events that never passed through the sequencer.
func EncodeEvent(ev model.Event) ([]byte, error) {
	if s, ok := ev.(interface{ SetEventType(string) }); ok {
		s.SetEventType(ev.EventType())
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode event: %w", err)
	}
	return data, nil
}

// PeekType extracts the type tag from a JSON message without decoding
// the rest. Replay uses it to tell command frames from event frames.
func PeekType(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("protocol: peek type: %w", err)
	}
	return probe.Type, nil
}
