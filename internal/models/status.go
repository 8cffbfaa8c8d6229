package models

import "strings"

type ShipmentStatus string

// Canonical shipment statuses. Carrier-native vocabularies are mapped onto
// these by each adapter before anything is persisted.
const (
	ShipmentStatusUploaded       ShipmentStatus = "UPLOADED"
	ShipmentStatusDeposit        ShipmentStatus = "DEPOSIT"
	ShipmentStatusPickedUp       ShipmentStatus = "PICKED_UP"
	ShipmentStatusInTransit      ShipmentStatus = "IN_TRANSIT"
	ShipmentStatusOutForDelivery ShipmentStatus = "OUT_FOR_DELIVERY"
	ShipmentStatusDelivered      ShipmentStatus = "DELIVERED"
	ShipmentStatusReturned       ShipmentStatus = "RETURNED"
	ShipmentStatusFailed         ShipmentStatus = "FAILED"
)

var shipmentStatusRank = map[ShipmentStatus]int{
	ShipmentStatusUploaded:       1,
	ShipmentStatusDeposit:        2,
	ShipmentStatusPickedUp:       2,
	ShipmentStatusInTransit:      3,
	ShipmentStatusOutForDelivery: 4,
	ShipmentStatusDelivered:      5,
	ShipmentStatusReturned:       5,
}

// TerminalShipmentStatuses are absorbing: no transition ever leaves them.
var TerminalShipmentStatuses = []ShipmentStatus{ShipmentStatusDelivered, ShipmentStatusReturned}

func ParseShipmentStatus(s string) (ShipmentStatus, bool) {
	st := ShipmentStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", false
	}
	return st, true
}

func (s ShipmentStatus) Valid() bool {
	if s == ShipmentStatusFailed {
		return true
	}
	_, ok := shipmentStatusRank[s]
	return ok
}

func (s ShipmentStatus) String() string { return string(s) }

func (s ShipmentStatus) IsTerminal() bool {
	return s == ShipmentStatusDelivered || s == ShipmentStatusReturned
}

// IsActive reports whether a shipment in this status still blocks a new
// shipment for the same order.
func (s ShipmentStatus) IsActive() bool {
	return s.Valid() && !s.IsTerminal()
}

// CanTransition reports whether from -> to is a forward move of the state
// machine:
//
//	UPLOADED -> DEPOSIT | PICKED_UP -> IN_TRANSIT -> OUT_FOR_DELIVERY -> DELIVERED
//	any non-terminal (except FAILED) -> RETURNED
//	UPLOADED | DEPOSIT | PICKED_UP -> FAILED
//
// FAILED is left only by a retry, which is not a status transition.
func CanTransition(from, to ShipmentStatus) bool {
	if !from.Valid() || !to.Valid() || from == to || from.IsTerminal() {
		return false
	}
	if from == ShipmentStatusFailed {
		return false
	}
	switch to {
	case ShipmentStatusFailed:
		return shipmentStatusRank[from] <= 2
	case ShipmentStatusReturned:
		return true
	}
	return shipmentStatusRank[to] > shipmentStatusRank[from]
}

// AtOrPast reports whether a shipment already at current makes a move to
// target redundant. Used to turn lost compare-and-set races into no-ops.
func AtOrPast(current, target ShipmentStatus) bool {
	if current == target || current.IsTerminal() {
		return true
	}
	if current == ShipmentStatusFailed || target == ShipmentStatusFailed {
		return false
	}
	return shipmentStatusRank[current] >= shipmentStatusRank[target]
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusUploaded  OrderStatus = "UPLOADED"
	OrderStatusInTransit OrderStatus = "IN_TRANSIT"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusReturned  OrderStatus = "RETURNED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// OrderStatusFor returns the order status mirroring a terminal shipment
// status.
func OrderStatusFor(s ShipmentStatus) (OrderStatus, bool) {
	switch s {
	case ShipmentStatusDelivered:
		return OrderStatusDelivered, true
	case ShipmentStatusReturned:
		return OrderStatusReturned, true
	}
	return "", false
}

// OrderAdvanceFrom lists the order statuses from which an order may move to
// target. Orders are never moved backwards.
func OrderAdvanceFrom(target OrderStatus) []OrderStatus {
	switch target {
	case OrderStatusUploaded:
		return []OrderStatus{OrderStatusConfirmed}
	case OrderStatusInTransit:
		return []OrderStatus{OrderStatusConfirmed, OrderStatusUploaded}
	case OrderStatusDelivered, OrderStatusReturned:
		return []OrderStatus{OrderStatusConfirmed, OrderStatusUploaded, OrderStatusInTransit}
	}
	return nil
}
