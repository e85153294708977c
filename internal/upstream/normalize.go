package upstream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// rawOrder covers the union of field names the sources use for the same
// data. Normalization happens here, once, before any business logic sees a
// candidate.
type rawOrder struct {
	ID          json.Number `json:"id"`
	OrderID     string      `json:"order_id"`
	ExternalRef string      `json:"external_reference"`
	Number      string      `json:"number"`
	OrderNumber string      `json:"order_number"`
	Reference   string      `json:"reference"`
	ClientRef   string      `json:"client_reference"`
	CustomerRef string      `json:"customer_ref"`
	Customer    string      `json:"customer"`
	Total       json.Number `json:"total"`
	TotalAmount json.Number `json:"total_amount"`
	Amount      json.Number `json:"amount"`
	Weight      json.Number `json:"weight"`
	TotalWeight json.Number `json:"total_weight_g"`
	Items       []rawLine   `json:"items"`
	Lines       []rawLine   `json:"lines"`
	Products    []rawLine   `json:"products"`
}

type rawLine struct {
	Sku        string      `json:"sku"`
	Ean        string      `json:"ean"`
	ProductSku string      `json:"product_sku"`
	Quantity   json.Number `json:"quantity"`
	Qty        json.Number `json:"qty"`
	UnitPrice  json.Number `json:"unit_price"`
	Price      json.Number `json:"price"`
	UnitWeight json.Number `json:"unit_weight"`
	WeightG    json.Number `json:"weight_g"`
}

// normalize resolves field aliases into one Order. It fails when a candidate
// has no usable external id or a line has no product reference.
func normalize(source string, raw rawOrder) (Order, error) {
	externalID := coalesce(raw.ID.String(), raw.OrderID, raw.ExternalRef)
	if externalID == "" || externalID == "0" {
		return Order{}, fmt.Errorf("%s: candidate without external id", source)
	}

	number := coalesce(raw.Number, raw.OrderNumber, raw.Reference)
	if number == "" {
		number = fmt.Sprintf("%s-%s", strings.ToUpper(source), externalID)
	}

	order := Order{
		SourceName:  source,
		ExternalID:  externalID,
		Number:      number,
		ClientRef:   coalesce(raw.ClientRef, raw.CustomerRef, raw.Customer),
		Total:       firstDecimal(raw.Total, raw.TotalAmount, raw.Amount),
		WeightGrams: firstInt(raw.TotalWeight, raw.Weight),
	}

	rawLines := raw.Items
	if len(rawLines) == 0 {
		rawLines = raw.Lines
	}
	if len(rawLines) == 0 {
		rawLines = raw.Products
	}

	for i, rl := range rawLines {
		ref := coalesce(rl.Sku, rl.ProductSku, rl.Ean)
		if ref == "" {
			return Order{}, fmt.Errorf("%s: order %s line %d without product reference", source, externalID, i)
		}
		qty := firstInt(rl.Quantity, rl.Qty)
		if qty <= 0 {
			qty = 1
		}
		order.Lines = append(order.Lines, Line{
			ProductRef: ref,
			Qty:        qty,
			UnitPrice:  firstDecimal(rl.UnitPrice, rl.Price),
			UnitWeight: firstInt(rl.UnitWeight, rl.WeightG),
		})
	}

	return order, nil
}

func coalesce(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func firstDecimal(values ...json.Number) decimal.Decimal {
	for _, v := range values {
		if v == "" {
			continue
		}
		if d, err := decimal.NewFromString(v.String()); err == nil {
			return d
		}
	}
	return decimal.Zero
}

func firstInt(values ...json.Number) int64 {
	for _, v := range values {
		if v == "" {
			continue
		}
		if n, err := v.Int64(); err == nil {
			return n
		}
		if d, err := decimal.NewFromString(v.String()); err == nil {
			return d.IntPart()
		}
	}
	return 0
}
