package bookingsync

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/booking_sync/models"
	"github.com/mmdatafocus/booking_sync/utils"
)

var validate = validator.New()

// ValidationError rejects a single record. It never aborts a batch.
type ValidationError struct {
	BookingId string
	Fields    map[string]string
	Reason    string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid booking")
	if e.BookingId != "" {
		b.WriteString(" " + e.BookingId)
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, e.Fields[k]))
		}
		b.WriteString(" [" + strings.Join(parts, ", ") + "]")
	}
	return b.String()
}

// Validate checks a transformed booking before it may reach the store.
func Validate(b *models.Booking) error {
	if b == nil {
		return &ValidationError{Reason: "empty booking"}
	}
	if err := validate.Struct(b); err != nil {
		return &ValidationError{BookingId: b.BookingId, Fields: utils.ProcessValidationErrors(err)}
	}
	if !b.DepartureDate.After(*b.ArrivalDate) {
		return &ValidationError{
			BookingId: b.BookingId,
			Fields:    map[string]string{"DepartureDate": "gtfield"},
			Reason:    "departure must be after arrival",
		}
	}
	if !b.BDStatus.IsValid() {
		return &ValidationError{BookingId: b.BookingId, Fields: map[string]string{"BDStatus": "oneof"}}
	}
	return nil
}
