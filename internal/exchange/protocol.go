package exchange

import (
	"encoding/json"
	"fmt"

	"tipoff/pkg/types"
)

// Envelope is the frame shape shared by both directions of the game socket.
type Envelope struct {
	Event    string `json:"event"`
	PlayerID string `json:"player_id"`
	Data     any    `json:"data"`
}

type connectionData struct {
	Alias    string `json:"alias"`
	PlayerID string `json:"player_id"`
	Token    string `json:"token,omitempty"`
}

type startData struct {
	PlayerID string `json:"player_id"`
}

// TradeData is the order payload. Volume carries the game's native signed
// quantity (+buy, -sell); the explicit fields are there for servers that
// confirm by client_order_id.
type TradeData struct {
	ClientOrderID string          `json:"client_order_id"`
	Instrument    string          `json:"instrument"`
	Side          types.Side      `json:"side"`
	PriceLimit    json.RawMessage `json:"price_limit"`
	Quantity      int64           `json:"quantity"`
	Volume        int64           `json:"volume"`
}

// Protocol builds outbound frames for one player.
type Protocol struct {
	PlayerID string
	Alias    string
	Token    string
}

// ConnectionFrame opens the session. The server echoes it back with our id.
func (p Protocol) ConnectionFrame() ([]byte, error) {
	alias := p.Alias
	if alias == "" {
		alias = p.PlayerID
	}
	return encode(Envelope{
		Event: "connection",
		Data:  connectionData{Alias: alias, PlayerID: p.PlayerID, Token: p.Token},
	})
}

// StartFrame asks the server to begin streaming the game.
func (p Protocol) StartFrame() ([]byte, error) {
	return encode(Envelope{Event: "start", Data: startData{PlayerID: p.PlayerID}})
}

// SkipFrame tells the server we are done with the current puzzle.
func (p Protocol) SkipFrame() ([]byte, error) {
	return encode(Envelope{Event: "skip", Data: struct{}{}})
}

// TradeFrame serializes an order. The price is written as a JSON number with
// the decimal's exact digits.
func (p Protocol) TradeFrame(id types.CorrelationID, a types.Action) ([]byte, error) {
	if a.Quantity <= 0 {
		return nil, fmt.Errorf("encode trade %s: quantity must be positive, got %d", id, a.Quantity)
	}
	return encode(Envelope{
		Event:    "trade",
		PlayerID: p.PlayerID,
		Data: TradeData{
			ClientOrderID: string(id),
			Instrument:    a.Instrument,
			Side:          a.Side,
			PriceLimit:    json.RawMessage(a.PriceLimit.String()),
			Quantity:      a.Quantity,
			Volume:        a.SignedVolume(),
		},
	})
}

func encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", env.Event, err)
	}
	return b, nil
}
