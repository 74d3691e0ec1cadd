package bookingsync

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/mmdatafocus/booking_sync/models"
	"github.com/mmdatafocus/booking_sync/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	dateLayout       = "2006-01-02"
	legacyTimeLayout = "2006-01-02 15:04:05"
	modifiedLayout   = "2006-01-02T15:04:05.000000"

	lineItemCharge  = "charge"
	lineItemPayment = "payment"
)

type rawBooking struct {
	Id             flexString `json:"id"`
	BookId         flexString `json:"bookId"`
	PropertyId     flexString `json:"propertyId"`
	RoomId         flexString `json:"roomId"`
	Status         string     `json:"status"`
	Arrival        string     `json:"arrival"`
	Departure      string     `json:"departure"`
	NumAdult       flexInt    `json:"numAdult"`
	NumChild       flexInt    `json:"numChild"`
	Title          string     `json:"title"`
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	GuestFirstName string     `json:"guestFirstName"`
	GuestName      string     `json:"guestName"`
	Email          string     `json:"email"`
	GuestEmail     string     `json:"guestEmail"`
	Phone          string     `json:"phone"`
	Mobile         string     `json:"mobile"`
	GuestPhone     string     `json:"guestPhone"`
	Referer        string     `json:"referer"`
	Channel        string     `json:"channel"`
	ApiSource      string     `json:"apiSource"`
	ApiReference   string     `json:"apiReference"`
	Notes          string     `json:"notes"`
	Comments       string     `json:"comments"`
	InternalNotes  string     `json:"internalNotes"`
	BookingTime    string     `json:"bookingTime"`
	ModifiedTime   string     `json:"modifiedTime"`
	Modified       string     `json:"modified"`

	InvoiceItems []rawLineItem `json:"invoiceItems"`
	Invoice      []rawLineItem `json:"invoice"`
	Payment      []rawLineItem `json:"payment"`
	Payments     []rawLineItem `json:"payments"`
	Messages     []rawMessage  `json:"messages"`
}

type rawLineItem struct {
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Amount      flexAmount `json:"amount"`
}

type rawMessage struct {
	Id      flexString `json:"id"`
	Message string     `json:"message"`
	Time    string     `json:"time"`
	Source  string     `json:"source"`
	Read    bool       `json:"read"`
}

// Transformer maps a raw Beds24 booking payload onto the local Booking
// record. It is pure: the same payload and clock always give the same record.
type Transformer struct {
	PhoneRegion string
	Now         func() time.Time
}

func (t Transformer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Transform decodes raw and derives every Booking field from it. It never
// validates; call Validate on the result.
func (t Transformer) Transform(raw json.RawMessage) (*models.Booking, error) {
	var in rawBooking
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &ValidationError{Reason: "malformed booking payload: " + err.Error()}
	}

	b := &models.Booking{
		BookingId:    firstNonEmpty(string(in.Id), string(in.BookId)),
		PropertyId:   string(in.PropertyId),
		RoomId:       string(in.RoomId),
		Status:       utils.Truncate(strings.TrimSpace(in.Status), 50),
		Channel:      utils.Truncate(firstNonEmpty(in.Referer, in.Channel, in.ApiSource), 50),
		ApiReference: utils.Truncate(strings.TrimSpace(in.ApiReference), 100),
		TotalPersons: max(int(in.NumAdult), 0) + max(int(in.NumChild), 0),
		Notes:        joinNotes(in.Notes, in.Comments, in.InternalNotes),
		Raw:          datatypes.JSON(append([]byte(nil), raw...)),
	}

	b.GuestName = utils.Truncate(guestName(in), 100)
	b.Phone = utils.NormalizePhoneNumber(firstNonEmpty(in.Phone, in.Mobile, in.GuestPhone), t.PhoneRegion)
	b.Email = normalizeEmail(firstNonEmpty(in.Email, in.GuestEmail))

	b.ArrivalDate = parseDate(in.Arrival)
	b.DepartureDate = parseDate(in.Departure)
	b.NumNights = nights(b.ArrivalDate, b.DepartureDate)
	b.BookingDate = parseTimestamp(in.BookingTime)
	b.ModifiedDate = modifiedDate(firstNonEmpty(in.ModifiedTime, in.Modified, in.BookingTime))

	charges, payments := splitLineItems(in)
	b.Charges = models.EncodeJSON(charges)
	b.Payments = models.EncodeJSON(payments)
	b.TotalCharges = sumLineItems(charges)
	b.TotalPayments = sumLineItems(payments)
	b.RecomputeBalance()

	b.Messages = models.EncodeJSON(messagesOf(in.Messages))
	b.BDStatus = DeriveBDStatus(b.Status, b.ArrivalDate, b.DepartureDate, t.now())
	return b, nil
}

func splitLineItems(in rawBooking) ([]models.LineItem, []models.LineItem) {
	charges := make([]models.LineItem, 0)
	payments := make([]models.LineItem, 0)
	for _, it := range in.InvoiceItems {
		switch strings.ToLower(strings.TrimSpace(it.Type)) {
		case lineItemPayment:
			payments = appendLineItem(payments, lineItemPayment, it)
		default:
			charges = appendLineItem(charges, lineItemCharge, it)
		}
	}
	for _, it := range in.Invoice {
		charges = appendLineItem(charges, lineItemCharge, it)
	}
	for _, it := range in.Payment {
		payments = appendLineItem(payments, lineItemPayment, it)
	}
	for _, it := range in.Payments {
		payments = appendLineItem(payments, lineItemPayment, it)
	}
	return charges, payments
}

// appendLineItem drops zero lines; unparseable amounts already decoded to zero.
func appendLineItem(items []models.LineItem, kind string, it rawLineItem) []models.LineItem {
	if it.Amount.IsZero() {
		return items
	}
	return append(items, models.LineItem{
		Type:        kind,
		Description: strings.TrimSpace(it.Description),
		Amount:      it.Amount.Decimal,
	})
}

func sumLineItems(items []models.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Amount)
	}
	return total
}

func messagesOf(in []rawMessage) []models.Message {
	out := make([]models.Message, 0, len(in))
	for _, m := range in {
		if strings.TrimSpace(m.Message) == "" {
			continue
		}
		out = append(out, models.Message{
			Id:      string(m.Id),
			Message: m.Message,
			Time:    m.Time,
			Source:  m.Source,
			Read:    m.Read,
		})
	}
	return sortMessages(out)
}

// guestName picks the first non-empty candidate in priority order.
func guestName(in rawBooking) string {
	return firstNonEmpty(
		joinName(in.FirstName, in.LastName),
		in.GuestName,
		joinName(in.GuestFirstName, in.GuestName),
		in.Title,
	)
}

func joinName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}

func normalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(email) > 100 {
		return ""
	}
	if err := validate.Var(email, "email"); err != nil {
		return ""
	}
	return email
}

func joinNotes(parts ...string) string {
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return strings.Join(out, "\n")
}

// DeriveBDStatus buckets a raw Beds24 status, using the stay dates for
// confirmed bookings. Empty or unrecognised statuses are BDStatusUnknown.
func DeriveBDStatus(status string, arrival, departure *time.Time, now time.Time) models.BDStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "cancelled", "canceled", "black":
		return models.BDStatusCancelled
	case "new", "request", "inquiry", "tentative":
		return models.BDStatusPending
	case "checkedin":
		return models.BDStatusInHouse
	case "checkedout":
		return models.BDStatusCompleted
	case "confirmed":
	default:
		return models.BDStatusUnknown
	}

	today := truncateDay(now)
	switch {
	case departure != nil && !today.Before(*departure):
		return models.BDStatusCompleted
	case arrival != nil && !today.Before(*arrival):
		return models.BDStatusInHouse
	default:
		return models.BDStatusConfirmed
	}
}

func nights(arrival, departure *time.Time) int {
	if arrival == nil || departure == nil {
		return 0
	}
	days := math.Ceil(departure.Sub(*arrival).Hours() / 24)
	if days < 0 {
		return 0
	}
	return int(days)
}

func parseDate(v string) *time.Time {
	v = strings.TrimSpace(v)
	if len(v) >= len(dateLayout) {
		v = v[:len(dateLayout)]
	}
	d, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil
	}
	return &d
}

func parseTimestamp(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, legacyTimeLayout, dateLayout} {
		if ts, err := time.Parse(layout, v); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

// modifiedDate normalises to fixed-width UTC with microseconds so the stored
// value orders correctly as a plain string.
func modifiedDate(v string) *string {
	ts := parseTimestamp(v)
	if ts == nil {
		return nil
	}
	s := stampOf(*ts)
	return &s
}

func stampOf(t time.Time) string {
	return t.UTC().Format(modifiedLayout) + "Z"
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
