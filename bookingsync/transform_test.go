package bookingsync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/booking_sync/models"
	"github.com/shopspring/decimal"
)

const fullPayload = `{
	"id": 1001,
	"propertyId": 77,
	"roomId": "12",
	"status": "confirmed",
	"arrival": "2026-05-10",
	"departure": "2026-05-13",
	"numAdult": 2,
	"numChild": "1",
	"firstName": " Ana ",
	"lastName": "Perez",
	"guestName": "ignored",
	"email": "ANA@Example.com",
	"phone": "",
	"mobile": "+57 300 123 4567",
	"referer": "Booking.com",
	"apiReference": "BDC-991",
	"notes": "late arrival",
	"comments": "late arrival",
	"internalNotes": "vip",
	"bookingTime": "2026-03-01 08:00:00",
	"modifiedTime": "2026-04-01T10:00:00.123Z",
	"invoiceItems": [
		{"type": "charge", "description": "Room", "amount": "$100.00"},
		{"type": "charge", "description": "Cleaning", "amount": 50},
		{"type": "payment", "description": "Deposit", "amount": "75"},
		{"type": "charge", "description": "Bad", "amount": "n/a"}
	],
	"messages": [
		{"id": 2, "message": "see you", "time": "2026-04-01 09:00:00", "source": "host"},
		{"id": 1, "message": "hello", "time": "2026-03-31 09:00:00", "source": "guest", "read": true},
		{"id": 3, "message": "   "}
	]
}`

func TestTransform_FullPayload(t *testing.T) {
	b, err := Transformer{PhoneRegion: "CO", Now: fixedNow}.Transform(json.RawMessage(fullPayload))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if b.BookingId != "1001" || b.PropertyId != "77" || b.RoomId != "12" {
		t.Fatalf("unexpected ids %q %q %q", b.BookingId, b.PropertyId, b.RoomId)
	}
	if !b.TotalCharges.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected charges 150, got %s", b.TotalCharges)
	}
	if !b.TotalPayments.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("expected payments 75, got %s", b.TotalPayments)
	}
	if !b.Balance.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("expected balance 75, got %s", b.Balance)
	}
	charges, err := b.ChargeList()
	if err != nil || len(charges) != 2 {
		t.Fatalf("expected 2 non-zero charges, got %v (%v)", charges, err)
	}
	if b.GuestName != "Ana Perez" {
		t.Fatalf("unexpected guest name %q", b.GuestName)
	}
	if b.Email != "ana@example.com" {
		t.Fatalf("unexpected email %q", b.Email)
	}
	if b.Phone != "+573001234567" {
		t.Fatalf("unexpected phone %q", b.Phone)
	}
	if b.NumNights != 3 || b.TotalPersons != 3 {
		t.Fatalf("unexpected nights/persons %d/%d", b.NumNights, b.TotalPersons)
	}
	if b.Channel != "Booking.com" || b.ApiReference != "BDC-991" {
		t.Fatalf("unexpected provenance %q %q", b.Channel, b.ApiReference)
	}
	if b.Notes != "late arrival\nvip" {
		t.Fatalf("unexpected notes %q", b.Notes)
	}
	if b.ModifiedDate == nil || *b.ModifiedDate != "2026-04-01T10:00:00.123000Z" {
		t.Fatalf("unexpected modified date %v", b.ModifiedDate)
	}
	if b.BDStatus != models.BDStatusConfirmed {
		t.Fatalf("unexpected bd status %q", b.BDStatus)
	}
	msgs, err := b.MessageList()
	if err != nil || len(msgs) != 2 || msgs[0].Id != "1" || !msgs[0].Read {
		t.Fatalf("expected 2 chronological messages, got %+v (%v)", msgs, err)
	}
	if string(b.Raw) != fullPayload {
		t.Fatalf("raw payload must be kept verbatim")
	}
	if err := Validate(b); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestTransform_EmptyCollections(t *testing.T) {
	b, err := Transformer{Now: fixedNow}.Transform(json.RawMessage(`{"id":"5","arrival":"2026-05-01","departure":"2026-05-02","invoiceItems":null}`))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	for name, col := range map[string][]byte{"charges": b.Charges, "payments": b.Payments, "messages": b.Messages} {
		if string(col) != "[]" {
			t.Fatalf("%s: expected empty array, got %s", name, col)
		}
	}
	if !b.Balance.IsZero() {
		t.Fatalf("expected zero balance, got %s", b.Balance)
	}
	if b.ModifiedDate != nil {
		t.Fatalf("expected no modified date, got %q", *b.ModifiedDate)
	}
}

func TestTransform_LegacyCollections(t *testing.T) {
	payload := `{"id":9,"arrival":"2026-05-01","departure":"2026-05-02",
		"invoice":[{"amount":"1,200.50"}],
		"payment":[{"amount":200}],
		"payments":[{"amount":"0.50"}]}`
	b, err := Transformer{Now: fixedNow}.Transform(json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !b.TotalCharges.Equal(decimal.RequireFromString("1200.50")) {
		t.Fatalf("unexpected charges %s", b.TotalCharges)
	}
	if !b.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected balance %s", b.Balance)
	}
}

func TestTransform_GuestFallbacks(t *testing.T) {
	cases := []struct {
		payload string
		name    string
		email   string
	}{
		{`{"guestName":"Solo Name","guestEmail":"x@y.co"}`, "Solo Name", "x@y.co"},
		{`{"guestFirstName":"Jo","title":"Mr"}`, "Jo", ""},
		{`{"title":"Mr","email":"not-an-email"}`, "Mr", ""},
	}
	for _, tc := range cases {
		b, err := Transformer{Now: fixedNow}.Transform(json.RawMessage(tc.payload))
		if err != nil {
			t.Fatalf("Transform(%s): %v", tc.payload, err)
		}
		if b.GuestName != tc.name || b.Email != tc.email {
			t.Fatalf("%s: got name=%q email=%q", tc.payload, b.GuestName, b.Email)
		}
	}
}

func TestTransform_MalformedJSON(t *testing.T) {
	_, err := Transformer{}.Transform(json.RawMessage(`{"id":`))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDeriveBDStatus(t *testing.T) {
	day := func(s string) *time.Time {
		d, _ := time.Parse(dateLayout, s)
		return &d
	}
	now := time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)
	cases := []struct {
		status    string
		arrival   string
		departure string
		want      models.BDStatus
	}{
		{"cancelled", "2026-04-20", "2026-04-22", models.BDStatusCancelled},
		{"black", "2026-04-20", "2026-04-22", models.BDStatusCancelled},
		{"request", "2026-04-20", "2026-04-22", models.BDStatusPending},
		{"new", "2026-04-20", "2026-04-22", models.BDStatusPending},
		{"confirmed", "2026-04-20", "2026-04-22", models.BDStatusConfirmed},
		{"confirmed", "2026-04-09", "2026-04-12", models.BDStatusInHouse},
		{"confirmed", "2026-04-10", "2026-04-12", models.BDStatusInHouse},
		{"confirmed", "2026-04-05", "2026-04-10", models.BDStatusCompleted},
		{"confirmed", "2026-04-01", "2026-04-03", models.BDStatusCompleted},
		{"checkedin", "2026-04-20", "2026-04-22", models.BDStatusInHouse},
		{"", "2026-04-20", "2026-04-22", models.BDStatusUnknown},
		{"garbage", "2026-04-05", "2026-04-10", models.BDStatusUnknown},
	}
	for _, tc := range cases {
		got := DeriveBDStatus(tc.status, day(tc.arrival), day(tc.departure), now)
		if got != tc.want {
			t.Fatalf("%s %s..%s: expected %s, got %s", tc.status, tc.arrival, tc.departure, tc.want, got)
		}
	}
}

func TestSanitizeAmount(t *testing.T) {
	cases := map[string]string{
		"$1,250.50": "1250.5",
		"-20":       "-20",
		"abc":       "0",
		"":          "0",
		"1.2.3":     "0",
		"COP 5000":  "5000",
		"1e3":       "1000",
		"$-50":      "-50",
		"- $12.5":   "-12.5",
		"2.5E-1":    "0.25",
	}
	for in, want := range cases {
		if got := sanitizeAmount(in).String(); got != want {
			t.Fatalf("sanitizeAmount(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestTransform_NumericAmountsKeepExponentAndSign(t *testing.T) {
	payload := `{"id":31,"status":"confirmed","arrival":"2026-05-01","departure":"2026-05-02",
		"invoiceItems":[{"type":"charge","amount":1e3},{"type":"charge","amount":"$-50"}]}`
	b, err := Transformer{Now: fixedNow}.Transform(json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !b.TotalCharges.Equal(decimal.NewFromInt(950)) || !b.Balance.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("expected charges and balance 950, got %s / %s", b.TotalCharges, b.Balance)
	}
}

func TestTransform_ModifiedDateKeepsSubSecondOrder(t *testing.T) {
	tr := Transformer{Now: fixedNow}
	first, _ := tr.Transform(rawBookingJSON(32, "2026-03-01T10:00:00.100Z"))
	second, _ := tr.Transform(rawBookingJSON(32, "2026-03-01T10:00:00.900Z"))
	if *first.ModifiedDate != "2026-03-01T10:00:00.100000Z" {
		t.Fatalf("unexpected modified date %s", *first.ModifiedDate)
	}
	if !IsNewer(second.ModifiedDate, first.ModifiedDate) {
		t.Fatalf("an edit later in the same second must be newer: %s vs %s", *second.ModifiedDate, *first.ModifiedDate)
	}
	legacy, _ := tr.Transform(rawBookingJSON(32, "2026-03-01 10:00:01"))
	if !IsNewer(legacy.ModifiedDate, second.ModifiedDate) {
		t.Fatalf("layouts must compare by instant: %s vs %s", *legacy.ModifiedDate, *second.ModifiedDate)
	}
}

func TestValidate(t *testing.T) {
	tr := Transformer{Now: fixedNow}

	b, _ := tr.Transform(json.RawMessage(`{"id":1,"arrival":"2026-05-01"}`))
	err := Validate(b)
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Fields["DepartureDate"] != "required" {
		t.Fatalf("expected missing departure, got %v", err)
	}

	b, _ = tr.Transform(json.RawMessage(`{"id":1,"arrival":"2026-05-01","departure":"2026-05-01"}`))
	if err := Validate(b); !errors.As(err, &vErr) || vErr.BookingId != "1" {
		t.Fatalf("expected departure-after-arrival failure, got %v", err)
	}

	b, _ = tr.Transform(json.RawMessage(`{"arrival":"2026-05-01","departure":"2026-05-02"}`))
	if err := Validate(b); !errors.As(err, &vErr) || vErr.Fields["BookingId"] != "required" {
		t.Fatalf("expected missing booking id, got %v", err)
	}
}
