// Package feed connects to the exchange indexer, normalizes its payloads
// into risk snapshots and drives the alert engine.
package feed

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/perpwatch/perpwatch/internal/risk"
)

const (
	channelSubaccounts = "v4_subaccounts"
	channelMarkets     = "v4_markets"
)

// Message is the indexer websocket envelope.
type Message struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	ID       string          `json:"id"`
	Contents json.RawMessage `json:"contents"`
	Version  string          `json:"version"`
}

// ParseMessage decodes one raw websocket frame.
func ParseMessage(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// IsData reports whether the message carries channel contents worth parsing.
func (m *Message) IsData() bool {
	return m.Type == "channel_data" || m.Type == "channel_batch_data" || m.Type == "subscribed"
}

// rawPosition mirrors one openPerpetualPositions entry. The indexer encodes
// every numeric field as a string.
type rawPosition struct {
	Market           string `json:"market"`
	Side             string `json:"side"`
	Size             string `json:"size"`
	EntryPrice       string `json:"entryPrice"`
	UnrealizedPnl    string `json:"unrealizedPnl"`
	RealizedPnl      string `json:"realizedPnl"`
	NetFunding       string `json:"netFunding"`
	MarginMode       string `json:"marginMode"`
	LiquidationPrice string `json:"liquidationPrice"`
}

type rawSubaccountContents struct {
	Equity                 string                 `json:"equity"`
	FreeCollateral         string                 `json:"freeCollateral"`
	OpenPerpetualPositions map[string]rawPosition `json:"openPerpetualPositions"`
}

type restSubaccountEnvelope struct {
	Subaccount struct {
		Address          string      `json:"address"`
		SubaccountNumber json.Number `json:"subaccountNumber"`
		rawSubaccountContents
	} `json:"subaccount"`
}

// SubaccountUpdate is a normalized account snapshot tagged with the on-chain
// identity it belongs to.
type SubaccountUpdate struct {
	Address  string
	Number   int
	Snapshot risk.AccountSnapshot
}

// SubscriptionID formats the indexer channel id for a subaccount.
func SubscriptionID(address string, number int) string {
	return address + "/" + strconv.Itoa(number)
}

// ParseSubaccountUpdate extracts a snapshot from a v4_subaccounts message.
// Control messages and foreign channels return ok=false.
func ParseSubaccountUpdate(m *Message) (*SubaccountUpdate, bool) {
	if m.Channel != channelSubaccounts || !m.IsData() {
		return nil, false
	}

	var contents rawSubaccountContents
	if m.Type == "subscribed" {
		// The subscribe ack wraps the full account under a "subaccount" key.
		var env restSubaccountEnvelope
		if err := json.Unmarshal(m.Contents, &env); err != nil {
			return nil, false
		}
		contents = env.Subaccount.rawSubaccountContents
	} else if err := json.Unmarshal(m.Contents, &contents); err != nil {
		return nil, false
	}

	address, number, ok := splitSubscriptionID(m.ID)
	if !ok {
		return nil, false
	}
	return &SubaccountUpdate{
		Address:  address,
		Number:   number,
		Snapshot: buildSnapshot(contents),
	}, true
}

// ParseRESTSubaccount decodes the /addresses/{a}/subaccountNumber/{n}
// response body.
func ParseRESTSubaccount(raw []byte) (*SubaccountUpdate, error) {
	var env restSubaccountEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	number, _ := env.Subaccount.SubaccountNumber.Int64()
	return &SubaccountUpdate{
		Address:  env.Subaccount.Address,
		Number:   int(number),
		Snapshot: buildSnapshot(env.Subaccount.rawSubaccountContents),
	}, nil
}

func splitSubscriptionID(id string) (string, int, bool) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, false
	}
	number, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return parts[0], number, true
}

func buildSnapshot(contents rawSubaccountContents) risk.AccountSnapshot {
	snap := risk.AccountSnapshot{
		Equity:         parseDecimalOrZero(contents.Equity),
		FreeCollateral: parseDecimal(contents.FreeCollateral),
		Positions:      make(map[string]risk.Position, len(contents.OpenPerpetualPositions)),
	}
	for market, raw := range contents.OpenPerpetualPositions {
		if raw.Market == "" {
			raw.Market = market
		}
		snap.Positions[raw.Market] = normalizePosition(raw)
	}
	return snap
}

// normalizePosition signs the size by side: the indexer reports SHORT sizes
// negative already, but some endpoints report magnitude plus a side field.
func normalizePosition(raw rawPosition) risk.Position {
	size := parseDecimalOrZero(raw.Size)
	switch strings.ToUpper(raw.Side) {
	case "SHORT", "SELL":
		size = size.Abs().Neg()
	case "LONG", "BUY":
		size = size.Abs()
	}

	mode := risk.MarginCross
	if strings.EqualFold(raw.MarginMode, string(risk.MarginIsolated)) {
		mode = risk.MarginIsolated
	}

	return risk.Position{
		Market:                   raw.Market,
		Size:                     size,
		EntryPrice:               parseDecimal(raw.EntryPrice),
		UnrealizedPnl:            parseDecimal(raw.UnrealizedPnl),
		RealizedPnl:              parseDecimal(raw.RealizedPnl),
		FundingPayment:           parseDecimal(raw.NetFunding),
		MarginMode:               mode,
		ProtocolLiquidationPrice: parseDecimal(raw.LiquidationPrice),
	}
}

// rawMarket mirrors one perpetualMarkets entry. Margin fractions may arrive
// plain or as parts-per-million, and the liquidity tier carries the
// open-interest caps used for IMF scaling.
type rawMarket struct {
	Ticker                       string `json:"ticker"`
	OraclePrice                  string `json:"oraclePrice"`
	MaintenanceMarginFraction    string `json:"maintenanceMarginFraction"`
	MaintenanceMarginFractionPpm string `json:"maintenanceMarginFractionPpm"`
	InitialMarginFraction        string `json:"initialMarginFraction"`
	InitialMarginFractionPpm     string `json:"initialMarginFractionPpm"`
	OpenInterest                 string `json:"openInterest"`
	OpenInterestLowerCap         string `json:"openInterestLowerCap"`
	OpenInterestUpperCap         string `json:"openInterestUpperCap"`
	LiquidityTier                *struct {
		BaseImf              string `json:"baseImf"`
		BaseImfPpm           string `json:"baseImfPpm"`
		OpenInterestLowerCap string `json:"openInterestLowerCap"`
		OpenInterestUpperCap string `json:"openInterestUpperCap"`
	} `json:"liquidityTier"`
}

func normalizeMarket(raw rawMarket) risk.MarketInfo {
	info := risk.MarketInfo{
		OraclePrice:               parseDecimal(raw.OraclePrice),
		MaintenanceMarginFraction: parseFraction(raw.MaintenanceMarginFraction, raw.MaintenanceMarginFractionPpm),
		InitialMarginFraction:     parseFraction(raw.InitialMarginFraction, raw.InitialMarginFractionPpm),
		OpenInterest:              parseDecimal(raw.OpenInterest),
		OpenInterestLowerCap:      parseDecimal(raw.OpenInterestLowerCap),
		OpenInterestUpperCap:      parseDecimal(raw.OpenInterestUpperCap),
	}
	if raw.LiquidityTier != nil {
		if info.InitialMarginFraction == nil {
			info.InitialMarginFraction = parseFraction(raw.LiquidityTier.BaseImf, raw.LiquidityTier.BaseImfPpm)
		}
		if info.OpenInterestLowerCap == nil {
			info.OpenInterestLowerCap = parseDecimal(raw.LiquidityTier.OpenInterestLowerCap)
		}
		if info.OpenInterestUpperCap == nil {
			info.OpenInterestUpperCap = parseDecimal(raw.LiquidityTier.OpenInterestUpperCap)
		}
	}
	return info
}

type restMarketsEnvelope struct {
	Markets map[string]rawMarket `json:"markets"`
}

// ParseRESTMarkets decodes the /perpetualMarkets response body.
func ParseRESTMarkets(raw []byte) (map[string]risk.MarketInfo, error) {
	var env restMarketsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	markets := make(map[string]risk.MarketInfo, len(env.Markets))
	for ticker, m := range env.Markets {
		markets[ticker] = normalizeMarket(m)
	}
	return markets, nil
}

// marketsContents is one v4_markets update. Full snapshots come under
// "markets", incremental ones under "trading", and oracle price ticks under
// "oraclePrices".
type marketsContents struct {
	Markets      map[string]rawMarket `json:"markets"`
	Trading      map[string]rawMarket `json:"trading"`
	OraclePrices map[string]struct {
		OraclePrice string `json:"oraclePrice"`
	} `json:"oraclePrices"`
}

// ParseMarketsUpdate extracts market info from a v4_markets message. Batch
// messages carry a list of contents objects, all of which are merged.
func ParseMarketsUpdate(m *Message) (map[string]risk.MarketInfo, bool) {
	if m.Channel != channelMarkets || !m.IsData() {
		return nil, false
	}

	var batch []marketsContents
	if m.Type == "channel_batch_data" {
		if err := json.Unmarshal(m.Contents, &batch); err != nil {
			return nil, false
		}
	} else {
		var single marketsContents
		if err := json.Unmarshal(m.Contents, &single); err != nil {
			return nil, false
		}
		batch = []marketsContents{single}
	}

	updates := make(map[string]risk.MarketInfo)
	for _, contents := range batch {
		for ticker, raw := range contents.Markets {
			updates[ticker] = mergeMarket(updates[ticker], normalizeMarket(raw))
		}
		for ticker, raw := range contents.Trading {
			updates[ticker] = mergeMarket(updates[ticker], normalizeMarket(raw))
		}
		for ticker, tick := range contents.OraclePrices {
			updates[ticker] = mergeMarket(updates[ticker], risk.MarketInfo{
				OraclePrice: parseDecimal(tick.OraclePrice),
			})
		}
	}
	if len(updates) == 0 {
		return nil, false
	}
	return updates, true
}

// mergeMarket overlays update onto base, keeping base values for fields the
// update does not carry. Websocket ticks are partial: an update without an
// oracle price must not erase the one already known.
func mergeMarket(base, update risk.MarketInfo) risk.MarketInfo {
	if update.OraclePrice == nil {
		update.OraclePrice = base.OraclePrice
	}
	if update.MaintenanceMarginFraction == nil {
		update.MaintenanceMarginFraction = base.MaintenanceMarginFraction
	}
	if update.InitialMarginFraction == nil {
		update.InitialMarginFraction = base.InitialMarginFraction
	}
	if update.OpenInterest == nil {
		update.OpenInterest = base.OpenInterest
	}
	if update.OpenInterestLowerCap == nil {
		update.OpenInterestLowerCap = base.OpenInterestLowerCap
	}
	if update.OpenInterestUpperCap == nil {
		update.OpenInterestUpperCap = base.OpenInterestUpperCap
	}
	return update
}

func parseDecimal(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

func parseDecimalOrZero(s string) decimal.Decimal {
	if d := parseDecimal(s); d != nil {
		return *d
	}
	return decimal.Zero
}

// parseFraction prefers the plain fraction and falls back to the ppm form.
func parseFraction(plain, ppm string) *decimal.Decimal {
	if d := parseDecimal(plain); d != nil {
		return d
	}
	if d := parseDecimal(ppm); d != nil {
		f := d.Div(decimal.NewFromInt(1_000_000))
		return &f
	}
	return nil
}
