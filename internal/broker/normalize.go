package broker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Funds struct {
	AvailableCash      string `json:"availablecash"`
	Collateral         string `json:"collateral"`
	M2MRealized        string `json:"m2mrealized"`
	M2MUnrealized      string `json:"m2munrealized"`
	UtilisedDebits     string `json:"utiliseddebits"`
	Net                string `json:"net"`
	AvailableIntraday  string `json:"availableintradaypayin"`
	AvailableLimit     string `json:"availablelimitmargin"`
	UtilisedPayout     string `json:"utilisedpayout"`
	UtilisedSpan       string `json:"utilisedspan"`
	UtilisedExposure   string `json:"utilisedexposure"`
	UtilisedOptionPrem string `json:"utilisedoptionpremium"`
}

type Order struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Action       string  `json:"action"`
	Quantity     int64   `json:"quantity"`
	Price        float64 `json:"price"`
	TriggerPrice float64 `json:"trigger_price"`
	PriceType    string  `json:"pricetype"`
	Product      string  `json:"product"`
	OrderID      string  `json:"orderid"`
	OrderStatus  string  `json:"order_status"`
	Timestamp    string  `json:"timestamp"`
}

type OrderStats struct {
	TotalBuyOrders       int `json:"total_buy_orders"`
	TotalSellOrders      int `json:"total_sell_orders"`
	TotalCompletedOrders int `json:"total_completed_orders"`
	TotalOpenOrders      int `json:"total_open_orders"`
	TotalRejectedOrders  int `json:"total_rejected_orders"`
}

type OrderBook struct {
	Orders     []Order    `json:"orders"`
	Statistics OrderStats `json:"statistics"`
}

type Trade struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Product      string  `json:"product"`
	Action       string  `json:"action"`
	Quantity     int64   `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	TradeValue   float64 `json:"trade_value"`
	OrderID      string  `json:"orderid"`
	Timestamp    string  `json:"timestamp"`
}

type Position struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Product      string  `json:"product"`
	Quantity     int64   `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LTP          float64 `json:"ltp"`
	PnL          float64 `json:"pnl"`
}

type Holding struct {
	Symbol     string  `json:"symbol"`
	Exchange   string  `json:"exchange"`
	Quantity   int64   `json:"quantity"`
	Product    string  `json:"product"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnlpercent"`
}

type HoldingTotals struct {
	TotalHoldingValue  float64 `json:"totalholdingvalue"`
	TotalInvValue      float64 `json:"totalinvvalue"`
	TotalProfitAndLoss float64 `json:"totalprofitandloss"`
	TotalPnLPercentage float64 `json:"totalpnlpercentage"`
}

type Portfolio struct {
	Holdings   []Holding     `json:"holdings"`
	Statistics HoldingTotals `json:"statistics"`
}

// NormalizeFunds formats the broker's RMS figures to two decimals. Values the
// broker leaves empty stay empty.
func NormalizeFunds(raw map[string]any) Funds {
	return Funds{
		AvailableCash:      money(raw, "availablecash"),
		Collateral:         money(raw, "collateral"),
		M2MRealized:        money(raw, "m2mrealized"),
		M2MUnrealized:      money(raw, "m2munrealized"),
		UtilisedDebits:     money(raw, "utiliseddebits"),
		Net:                money(raw, "net"),
		AvailableIntraday:  money(raw, "availableintradaypayin"),
		AvailableLimit:     money(raw, "availablelimitmargin"),
		UtilisedPayout:     money(raw, "utilisedpayout"),
		UtilisedSpan:       money(raw, "utilisedspan"),
		UtilisedExposure:   money(raw, "utilisedexposure"),
		UtilisedOptionPrem: money(raw, "utilisedoptionpremium"),
	}
}

func NormalizeOrders(rows []map[string]any, symbols SymbolResolver) OrderBook {
	book := OrderBook{Orders: make([]Order, 0, len(rows))}
	for _, row := range rows {
		exchange := str(row, "exchange")
		order := Order{
			Symbol:       resolveSymbol(row, symbols),
			Exchange:     exchange,
			Action:       str(row, "transactiontype"),
			Quantity:     integer(row, "quantity"),
			Price:        num(row, "price"),
			TriggerPrice: num(row, "triggerprice"),
			PriceType:    str(row, "ordertype"),
			Product:      MapProduct(exchange, str(row, "producttype")),
			OrderID:      str(row, "orderid"),
			OrderStatus:  str(row, "status"),
			Timestamp:    str(row, "updatetime"),
		}
		book.Orders = append(book.Orders, order)

		switch order.Action {
		case "BUY":
			book.Statistics.TotalBuyOrders++
		case "SELL":
			book.Statistics.TotalSellOrders++
		}
		switch order.OrderStatus {
		case "complete":
			book.Statistics.TotalCompletedOrders++
		case "open":
			book.Statistics.TotalOpenOrders++
		case "rejected":
			book.Statistics.TotalRejectedOrders++
		}
	}
	return book
}

func NormalizeTrades(rows []map[string]any, symbols SymbolResolver) []Trade {
	trades := make([]Trade, 0, len(rows))
	for _, row := range rows {
		exchange := str(row, "exchange")
		trades = append(trades, Trade{
			Symbol:       resolveSymbol(row, symbols),
			Exchange:     exchange,
			Product:      MapProduct(exchange, str(row, "producttype")),
			Action:       str(row, "transactiontype"),
			Quantity:     integer(row, "quantity"),
			AveragePrice: num(row, "fillprice"),
			TradeValue:   num(row, "tradevalue"),
			OrderID:      str(row, "orderid"),
			Timestamp:    str(row, "filltime"),
		})
	}
	return trades
}

func NormalizePositions(rows []map[string]any, symbols SymbolResolver) []Position {
	positions := make([]Position, 0, len(rows))
	for _, row := range rows {
		exchange := str(row, "exchange")
		quantity := integer(row, "netqty")
		if _, ok := row["netqty"]; !ok {
			quantity = integer(row, "quantity")
		}
		positions = append(positions, Position{
			Symbol:       resolveSymbol(row, symbols),
			Exchange:     exchange,
			Product:      MapProduct(exchange, str(row, "producttype")),
			Quantity:     quantity,
			AveragePrice: num(row, "avgnetprice"),
			LTP:          num(row, "ltp"),
			PnL:          num(row, "pnl"),
		})
	}
	return positions
}

func NormalizeHoldings(rows []map[string]any, totals map[string]any) Portfolio {
	portfolio := Portfolio{Holdings: make([]Holding, 0, len(rows))}
	for _, row := range rows {
		product := str(row, "product")
		if product == "DELIVERY" {
			product = "CNC"
		}
		portfolio.Holdings = append(portfolio.Holdings, Holding{
			Symbol:     str(row, "tradingsymbol"),
			Exchange:   str(row, "exchange"),
			Quantity:   integer(row, "quantity"),
			Product:    product,
			PnL:        num(row, "profitandloss"),
			PnLPercent: num(row, "pnlpercentage"),
		})
	}

	portfolio.Statistics = HoldingTotals{
		TotalHoldingValue:  num(totals, "totalholdingvalue"),
		TotalInvValue:      num(totals, "totalinvvalue"),
		TotalProfitAndLoss: num(totals, "totalprofitandloss"),
		TotalPnLPercentage: num(totals, "totalpnlpercentage"),
	}
	return portfolio
}

// MapProduct converts Angel One product types to the platform's vocabulary.
func MapProduct(exchange, product string) string {
	switch {
	case product == "DELIVERY" && (exchange == "NSE" || exchange == "BSE"):
		return "CNC"
	case product == "INTRADAY":
		return "MIS"
	case product == "CARRYFORWARD" && isDerivativeExchange(exchange):
		return "NRML"
	default:
		return product
	}
}

func isDerivativeExchange(exchange string) bool {
	switch exchange {
	case "NFO", "MCX", "BFO", "CDS":
		return true
	}
	return false
}

func resolveSymbol(row map[string]any, symbols SymbolResolver) string {
	if symbols != nil {
		if token := str(row, "symboltoken"); token != "" {
			if symbol, ok := symbols.Symbol(token, str(row, "exchange")); ok {
				return symbol
			}
		}
	}
	return str(row, "tradingsymbol")
}

func str(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// num reads a numeric field the broker may send as a number or a string.
func num(row map[string]any, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func integer(row map[string]any, key string) int64 {
	return int64(num(row, key))
}

func money(row map[string]any, key string) string {
	v, ok := row[key]
	if !ok || v == nil {
		return ""
	}
	if s, isString := v.(string); isString {
		if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return s
		}
	}
	return strconv.FormatFloat(num(row, key), 'f', 2, 64)
}
