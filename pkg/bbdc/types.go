package bbdc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Scalar is a JSON number or string kept in its original encoding, so that
// identifiers echo back to the service exactly as they were received.
type Scalar string

// String returns the value without JSON string quoting.
func (s Scalar) String() string {
	if len(s) >= 2 && s[0] == '"' {
		var out string
		if err := json.Unmarshal([]byte(s), &out); err == nil {
			return out
		}
	}
	return string(s)
}

// MarshalJSON emits the original encoding.
func (s Scalar) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	return []byte(s), nil
}

// UnmarshalJSON records the raw literal.
func (s *Scalar) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	*s = Scalar(bytes.TrimSpace(b))
	return nil
}

// Auth carries the two credentials sent on authenticated calls: the primary
// token from login (Authorization header) and the course session token
// (JSESSIONID header).
type Auth struct {
	Token     string
	SessionID string
}

// Captcha is one image challenge instance as issued by the service.
type Captcha struct {
	// Image is a data URI (data:image/png;base64,...).
	Image        string `json:"image"`
	CaptchaToken string `json:"captchaToken"`
	VerifyCodeID string `json:"verifyCodeId"`
}

// LoginRequest is the body of the login call.
type LoginRequest struct {
	CaptchaToken    string `json:"captchaToken"`
	UserID          string `json:"userId"`
	UserPass        string `json:"userPass"`
	VerifyCodeID    string `json:"verifyCodeId"`
	VerifyCodeValue string `json:"verifyCodeValue"`
}

// Profile is the subset of the user profile the bot reports.
type Profile struct {
	AccountBalance Scalar
}

// Booking is one existing (already booked) lesson.
type Booking struct {
	BookingID   Scalar `json:"bookingId"`
	SlotRefDate string `json:"slotRefDate"`
	StartTime   string `json:"startTime"`
}

// RawSlot is one released slot record as listed by the service.
type RawSlot struct {
	SlotID             Scalar `json:"slotId"`
	SlotIDEnc          string `json:"slotIdEnc"`
	BookingProgressEnc string `json:"bookingProgressEnc"`
	SlotRefDate        string `json:"slotRefDate"`
	StartTime          string `json:"startTime"`
}

// Day is one day-label entry of a released-slot listing.
type Day struct {
	Label string
	Slots []RawSlot
}

// DayListing is the released-slot grouping in the order the service sent it.
// Decoding a JSON object into a Go map would lose that order.
type DayListing []Day

// UnmarshalJSON decodes a JSON object of day-label to slot arrays, keeping key order.
func (l *DayListing) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*l = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("day listing: expected object, got %v", tok)
	}

	var out DayListing
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var slots []RawSlot
		if err := dec.Decode(&slots); err != nil {
			return fmt.Errorf("day listing %q: %w", key, err)
		}
		out = append(out, Day{Label: key, Slots: slots})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*l = out
	return nil
}

// Len returns the total number of slots across all days.
func (l DayListing) Len() int {
	n := 0
	for _, d := range l {
		n += len(d.Slots)
	}
	return n
}

// SlotQuery filters the released-slot listing.
type SlotQuery struct {
	CourseType     string  `json:"courseType"`
	InstructorID   string  `json:"insInstructorId"`
	StageSubDesc   string  `json:"stageSubDesc"`
	SubVehicleType *string `json:"subVehicleType"`
	SubStageSubNo  *string `json:"subStageSubNo"`
}

// PracticalQuery returns the default practical-lesson listing filter.
func PracticalQuery(courseType string) SlotQuery {
	return SlotQuery{CourseType: courseType, StageSubDesc: "Practical Lesson"}
}

// EncryptedSlot is the opaque pair that authorises booking one slot.
type EncryptedSlot struct {
	SlotIDEnc          string `json:"slotIdEnc"`
	BookingProgressEnc string `json:"bookingProgressEnc"`
}

// BookRequest is the body of a single-slot booking call.
type BookRequest struct {
	CourseType      string          `json:"courseType"`
	SlotIDList      []Scalar        `json:"slotIdList"`
	EncryptSlotList []EncryptedSlot `json:"encryptSlotList"`
	VerifyCodeID    string          `json:"verifyCodeId"`
	VerifyCodeValue string          `json:"verifyCodeValue"`
	CaptchaToken    string          `json:"captchaToken"`
	InstructorID    string          `json:"insInstructorId"`
	SubVehicleType  *string         `json:"subVehicleType"`
	InstructorType  string          `json:"instructorType"`
}

// BookOutcome is the per-slot verdict of a booking call.
type BookOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// BookResult is a decoded booking response. Outcomes is empty when the
// response had a data object but no usable bookedPracticalSlotList.
type BookResult struct {
	Outcomes []BookOutcome
	Raw      string
}

// First returns the first outcome and whether there was one.
func (r *BookResult) First() (BookOutcome, bool) {
	if r == nil || len(r.Outcomes) == 0 {
		return BookOutcome{}, false
	}
	return r.Outcomes[0], true
}
