package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Booking is the local, reconciled copy of one Beds24 reservation.
// BookingId is the natural key; ID is only the row id.
type Booking struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	BookingId     string          `gorm:"uniqueIndex;size:64;not null" json:"booking_id" validate:"required,max=64"`
	PropertyId    string          `gorm:"index;size:64" json:"property_id" validate:"max=64"`
	RoomId        string          `gorm:"size:64" json:"room_id" validate:"max=64"`
	GuestName     string          `gorm:"size:100" json:"guest_name" validate:"max=100"`
	Phone         string          `gorm:"size:20" json:"phone" validate:"max=20"`
	Email         string          `gorm:"size:100" json:"email" validate:"omitempty,email,max=100"`
	ArrivalDate   *time.Time      `gorm:"type:date;index" json:"arrival_date" validate:"required"`
	DepartureDate *time.Time      `gorm:"type:date" json:"departure_date" validate:"required"`
	NumNights     int             `json:"num_nights" validate:"gte=0"`
	TotalPersons  int             `json:"total_persons" validate:"gte=0"`
	BookingDate   *time.Time      `json:"booking_date"`
	Charges       datatypes.JSON  `json:"charges"`
	Payments      datatypes.JSON  `json:"payments"`
	TotalCharges  decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"total_charges"`
	TotalPayments decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"total_payments"`
	Balance       decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"balance"`
	Status        string          `gorm:"size:50" json:"status" validate:"max=50"`
	BDStatus      BDStatus        `gorm:"column:bd_status;size:20;index" json:"bd_status"`
	Messages      datatypes.JSON  `json:"messages"`
	Notes         string          `gorm:"type:text" json:"notes"`
	Channel       string          `gorm:"size:50" json:"channel" validate:"max=50"`
	ApiReference  string          `gorm:"size:100" json:"api_reference" validate:"max=100"`
	Raw           datatypes.JSON  `json:"raw"`
	ModifiedDate  *string         `gorm:"size:32;index" json:"modified_date"`
	LastUpdatedBD time.Time       `gorm:"column:last_updated_bd" json:"last_updated_bd"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Booking) TableName() string {
	return "bookings"
}

// LineItem is one charge or payment row of a booking invoice.
type LineItem struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// Message is one entry of the guest/host conversation thread.
type Message struct {
	Id      string `json:"id,omitempty"`
	Message string `json:"message"`
	Time    string `json:"time,omitempty"`
	Source  string `json:"source,omitempty"`
	Read    bool   `json:"read"`
}

// RecomputeBalance restores Balance = TotalCharges - TotalPayments.
func (b *Booking) RecomputeBalance() {
	b.Balance = b.TotalCharges.Sub(b.TotalPayments)
}

func (b *Booking) MessageList() ([]Message, error) {
	var out []Message
	if len(b.Messages) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b.Messages, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Booking) ChargeList() ([]LineItem, error) {
	return decodeLineItems(b.Charges)
}

func (b *Booking) PaymentList() ([]LineItem, error) {
	return decodeLineItems(b.Payments)
}

func decodeLineItems(raw datatypes.JSON) ([]LineItem, error) {
	var out []LineItem
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeJSON marshals v for a JSON column, falling back to an empty array.
func EncodeJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(data)
}
