// Package slot models released lesson slots: parsing the service's listing
// into date-ordered groups and deciding which slots are worth booking.
package slot

import (
	"fmt"
	"strings"
	"time"

	"github.com/me/slotwatch/pkg/bbdc"
)

// DisplayLayout is how slot start times are rendered in notifications.
const DisplayLayout = "Mon 02-Jan 15:04"

// Slot is one bookable (or already booked) lesson time. Slots are values:
// built fresh from every listing and never mutated.
type Slot struct {
	ID bbdc.Scalar

	// EncryptedSlotRef and EncryptedProgressRef authorise booking this exact
	// slot. Both are empty for display-only entries such as existing bookings.
	EncryptedSlotRef     string
	EncryptedProgressRef string

	Start time.Time
}

// Bookable reports whether the slot carries the refs needed to book it.
func (s Slot) Bookable() bool {
	return s.EncryptedSlotRef != "" && s.EncryptedProgressRef != ""
}

// String renders "Slot <id> (Mon 02-Jan 15:04)".
func (s Slot) String() string {
	return fmt.Sprintf("Slot %s (%s)", s.ID, s.Start.Format(DisplayLayout))
}

// ParseStart combines a slot reference date ("2006-01-02 ...", only the
// first ten characters are used) with a "15:04" start time in loc.
func ParseStart(refDate, startTime string, loc *time.Location) (time.Time, error) {
	if len(refDate) < 10 {
		return time.Time{}, fmt.Errorf("slot date %q too short", refDate)
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", refDate[:10]+" "+strings.TrimSpace(startTime), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse slot start: %w", err)
	}
	return t, nil
}

// FromRaw builds a bookable Slot from a released-slot record.
func FromRaw(r bbdc.RawSlot, loc *time.Location) (Slot, error) {
	start, err := ParseStart(r.SlotRefDate, r.StartTime, loc)
	if err != nil {
		return Slot{}, fmt.Errorf("slot %s: %w", r.SlotID, err)
	}
	return Slot{
		ID:                   r.SlotID,
		EncryptedSlotRef:     r.SlotIDEnc,
		EncryptedProgressRef: r.BookingProgressEnc,
		Start:                start,
	}, nil
}

// FromBookings builds display-only Slots from existing bookings.
func FromBookings(bookings []bbdc.Booking, loc *time.Location) ([]Slot, error) {
	out := make([]Slot, 0, len(bookings))
	for _, b := range bookings {
		start, err := ParseStart(b.SlotRefDate, b.StartTime, loc)
		if err != nil {
			return nil, fmt.Errorf("booking %s: %w", b.BookingID, err)
		}
		out = append(out, Slot{ID: b.BookingID, Start: start})
	}
	return out, nil
}
