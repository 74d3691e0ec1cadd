package bookingsync

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/booking_sync/models"
	"gorm.io/gorm"
)

const BookingsTable = "bookings"

var ErrDuplicateBooking = errors.New("booking already exists")

// BookingStore is the persistence boundary of the reconciler.
type BookingStore interface {
	// FindUnique returns (nil, nil) when no row has bookingId.
	FindUnique(ctx context.Context, bookingId string) (*models.Booking, error)
	// Create returns ErrDuplicateBooking when the row already exists.
	Create(ctx context.Context, b *models.Booking) error
	// Update overwrites the row only while its stored modified date is unset
	// or older than b's; applied is false when nothing was written.
	Update(ctx context.Context, b *models.Booking) (applied bool, err error)
	Count(ctx context.Context) (int64, error)
	ExistingIds(ctx context.Context, ids []string) (map[string]struct{}, error)
	// MarkMissing flags a row Beds24 no longer returns as cancelled, stamping
	// modified, under the same no-regression rule as Update.
	MarkMissing(ctx context.Context, bookingId, modified string, now time.Time) (applied bool, err error)
}

type GormBookingStore struct {
	db *gorm.DB
}

func NewGormBookingStore(db *gorm.DB) *GormBookingStore {
	return &GormBookingStore{db: db}
}

var updatableColumns = []string{
	"property_id", "room_id", "guest_name", "phone", "email",
	"arrival_date", "departure_date", "num_nights", "total_persons", "booking_date",
	"charges", "payments", "total_charges", "total_payments", "balance",
	"status", "bd_status", "messages", "notes", "channel", "api_reference", "raw",
	"modified_date", "last_updated_bd", "updated_at",
}

func (s *GormBookingStore) FindUnique(ctx context.Context, bookingId string) (*models.Booking, error) {
	var b models.Booking
	err := s.db.WithContext(ctx).Where("booking_id = ?", bookingId).Take(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

func (s *GormBookingStore) Create(ctx context.Context, b *models.Booking) error {
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateBooking
		}
		return err
	}
	return nil
}

func (s *GormBookingStore) Update(ctx context.Context, b *models.Booking) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.Booking{}).Where("booking_id = ?", b.BookingId)
	if b.ModifiedDate != nil {
		q = q.Where("(modified_date IS NULL OR modified_date < ?)", *b.ModifiedDate)
	} else {
		q = q.Where("modified_date IS NULL")
	}
	res := q.Select(updatableColumns).Updates(b)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormBookingStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Booking{}).Count(&n).Error
	return n, err
}

func (s *GormBookingStore) ExistingIds(ctx context.Context, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []string
	if err := s.db.WithContext(ctx).Model(&models.Booking{}).
		Where("booking_id IN ?", ids).
		Pluck("booking_id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *GormBookingStore) MarkMissing(ctx context.Context, bookingId, modified string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Booking{}).
		Where("booking_id = ?", bookingId).
		Where("(modified_date IS NULL OR modified_date < ?)", modified).
		Updates(map[string]interface{}{
			"status":          "cancelled",
			"bd_status":       models.BDStatusNotFound,
			"modified_date":   modified,
			"last_updated_bd": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
