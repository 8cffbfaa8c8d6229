package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order is owned by the order subsystem. The delivery engine only reads it
// and advances Status / DeliveryCompany.
type Order struct {
	ID              string
	Status          OrderStatus
	Confirmed       bool
	CustomerName    string
	CustomerPhone   string
	Address         string
	City            string
	Region          string
	Notes           string
	Items           []OrderItem
	Total           decimal.Decimal
	DeliveryCompany string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type OrderItem struct {
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// OrderSnapshot is the part of an order a carrier needs to create a parcel.
type OrderSnapshot struct {
	CustomerName  string          `json:"customer_name" validate:"required"`
	CustomerPhone string          `json:"customer_phone" validate:"required"`
	Address       string          `json:"address" validate:"required"`
	City          string          `json:"city"`
	Region        string          `json:"region"`
	ItemsSummary  string          `json:"items_summary"`
	ItemCount     int             `json:"item_count" validate:"gte=0"`
	Price         decimal.Decimal `json:"price"`
	Notes         string          `json:"notes"`
}

func (o *Order) Confirmable() bool {
	return o.Status == OrderStatusConfirmed
}

func (o *Order) Snapshot() OrderSnapshot {
	snap := OrderSnapshot{
		CustomerName:  o.CustomerName,
		CustomerPhone: o.CustomerPhone,
		Address:       o.Address,
		City:          o.City,
		Region:        o.Region,
		Price:         o.Total,
		Notes:         o.Notes,
	}
	snap.ItemsSummary, snap.ItemCount = summarizeItems(o.Items)
	return snap
}

func summarizeItems(items []OrderItem) (string, int) {
	var (
		parts []string
		count int
	)
	for _, it := range items {
		if it.Quantity <= 0 {
			continue
		}
		count += it.Quantity
		parts = append(parts, strconv.Itoa(it.Quantity)+"x "+it.ProductName)
	}
	return strings.Join(parts, ", "), count
}
