package dto

// StockResponse represents per-product stock levels.
type StockResponse struct {
	ProductRef string `json:"product_ref"`
	OnHand     int64  `json:"on_hand"`
	Reserved   int64  `json:"reserved"`
	Available  int64  `json:"available"`
}

// ReserveLineRequest is one line of a reservation request.
type ReserveLineRequest struct {
	ProductRef string `json:"product_ref"`
	Qty        int64  `json:"qty"`
}

// ReserveRequest places stock holds for an order.
type ReserveRequest struct {
	OrderID int64                `json:"order_id"`
	Lines   []ReserveLineRequest `json:"lines"`
}
