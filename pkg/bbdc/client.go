package bbdc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
)

// Endpoint paths relative to Config.BaseURL.
const (
	pathLoginCaptcha     = "/auth/getLoginCaptchaImage"
	pathLogin            = "/auth/login"
	pathCourseTypes      = "/account/listAccountCourseType"
	pathUserProfile      = "/account/getUserProfile"
	pathPracticalBooking = "/booking/manage/listAllPracticalBooking"
	pathTheoryBooking    = "/booking/manage/listAllTheoryBooking"
	pathReleasedSlots    = "/booking/c3practical/listC3PracticalSlotReleased"
	pathBookingCaptcha   = "/booking/manage/getCaptchaImage"
	pathBookSlot         = "/booking/c3practical/callBookC3PracticalSlot"
)

// Client provides methods to interact with the booking back service.
//
// The client keeps a cookie jar for the lifetime of one login; ResetSession
// discards it before a fresh login. Calls are not retried: booking is not
// idempotent and the caller decides what a failure means.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     *slog.Logger
}

// NewClient creates a new service client with the given configuration.
func NewClient(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}

	c := &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
		logger:     logger.With("component", "bbdc-client"),
	}
	c.ResetSession()
	return c
}

// ResetSession drops all cookies so the next login starts from a clean
// connection state.
func (c *Client) ResetSession() {
	jar, _ := cookiejar.New(nil) // only errors on a non-nil PublicSuffixList
	c.httpClient.Jar = jar
}

// LoginCaptcha fetches a fresh login challenge.
func (c *Client) LoginCaptcha(ctx context.Context) (*Captcha, error) {
	body, err := c.post(ctx, "login-captcha", pathLoginCaptcha, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeCaptcha("login-captcha", body)
}

// Login submits credentials with a solved challenge and returns the primary
// token (data.tokenContent).
func (c *Client) Login(ctx context.Context, req LoginRequest) (string, error) {
	const op = "login"
	body, err := c.post(ctx, op, pathLogin, nil, req)
	if err != nil {
		return "", err
	}
	var token string
	if err := decodeField(op, body, &token, "data", "tokenContent"); err != nil {
		return "", err
	}
	if token == "" {
		return "", &ShapeError{Op: op, Field: "data.tokenContent", Raw: string(body)}
	}
	return token, nil
}

// ActiveCourseToken lists the account's course types and returns the session
// token of the first active course (data.activeCourseList[0].authToken).
func (c *Client) ActiveCourseToken(ctx context.Context, token string) (string, error) {
	const op = "list-course-type"
	body, err := c.post(ctx, op, pathCourseTypes, &Auth{Token: token}, nil)
	if err != nil {
		return "", err
	}
	var courses []struct {
		AuthToken string `json:"authToken"`
	}
	if err := decodeField(op, body, &courses, "data", "activeCourseList"); err != nil {
		return "", err
	}
	if len(courses) == 0 || courses[0].AuthToken == "" {
		return "", &ShapeError{Op: op, Field: "data.activeCourseList[0].authToken", Raw: string(body)}
	}
	return courses[0].AuthToken, nil
}

// Profile returns the account balance from the user profile.
func (c *Client) Profile(ctx context.Context, auth Auth) (*Profile, error) {
	const op = "user-profile"
	body, err := c.post(ctx, op, pathUserProfile, &auth, nil)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := decodeField(op, body, &p.AccountBalance, "data", "enrolDetail", "accountBal"); err != nil {
		return nil, err
	}
	return &p, nil
}

// PracticalBookings lists the account's active practical bookings.
func (c *Client) PracticalBookings(ctx context.Context, auth Auth, courseType string) ([]Booking, error) {
	return c.bookings(ctx, "list-practical-booking", pathPracticalBooking, auth, courseType)
}

// TheoryBookings lists the account's active theory bookings.
func (c *Client) TheoryBookings(ctx context.Context, auth Auth, courseType string) ([]Booking, error) {
	return c.bookings(ctx, "list-theory-booking", pathTheoryBooking, auth, courseType)
}

// Both booking listings answer under the same key.
func (c *Client) bookings(ctx context.Context, op, path string, auth Auth, courseType string) ([]Booking, error) {
	body, err := c.post(ctx, op, path, &auth, map[string]string{"courseType": courseType})
	if err != nil {
		return nil, err
	}
	var list []Booking
	if err := decodeField(op, body, &list, "data", "theoryActiveBookingList"); err != nil {
		return nil, err
	}
	return list, nil
}

// ReleasedSlots lists released practical slots grouped by day. A null or
// empty grouping yields an empty listing; a missing grouping is a ShapeError.
func (c *Client) ReleasedSlots(ctx context.Context, auth Auth, query SlotQuery) (DayListing, error) {
	const op = "list-released-slots"
	body, err := c.post(ctx, op, pathReleasedSlots, &auth, query)
	if err != nil {
		return nil, err
	}
	raw, err := lookup(op, body, true, "data", "releasedSlotListGroupByDay")
	if err != nil {
		return nil, err
	}
	var listing DayListing
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return listing, nil
}

// BookingCaptcha fetches a fresh booking challenge.
func (c *Client) BookingCaptcha(ctx context.Context, auth Auth) (*Captcha, error) {
	body, err := c.post(ctx, "booking-captcha", pathBookingCaptcha, &auth, nil)
	if err != nil {
		return nil, err
	}
	return decodeCaptcha("booking-captcha", body)
}

// BookSlot submits a booking request. A response without a data object is a
// ShapeError carrying the raw payload; a data object without a usable
// bookedPracticalSlotList yields a result with no outcomes.
func (c *Client) BookSlot(ctx context.Context, auth Auth, req BookRequest) (*BookResult, error) {
	const op = "book-slot"
	body, err := c.post(ctx, op, pathBookSlot, &auth, req)
	if err != nil {
		return nil, err
	}
	result := &BookResult{Raw: string(body)}

	if _, err := lookup(op, body, false, "data"); err != nil {
		return nil, err
	}
	raw, err := lookup(op, body, false, "data", "bookedPracticalSlotList")
	if err != nil {
		return result, nil
	}
	if err := json.Unmarshal(raw, &result.Outcomes); err != nil {
		result.Outcomes = nil
	}
	return result, nil
}

// post sends a JSON POST and returns the body of a 200 response.
func (c *Client) post(ctx context.Context, op, path string, auth *Auth, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: creating HTTP request: %w", op, err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != nil {
		req.Header.Set("Authorization", auth.Token)
		if auth.SessionID != "" {
			req.Header.Set("JSESSIONID", auth.SessionID)
		}
	}

	c.logger.Debug("sending request", "op", op, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: HTTP request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %w", op, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	c.logger.Debug("request successful", "op", op, "bytes", len(body))
	return body, nil
}

// lookup walks nested JSON objects by key. A missing key is a ShapeError; so
// is an explicit null unless allowNull is set, in which case the null literal
// is returned.
func lookup(op string, body []byte, allowNull bool, path ...string) (json.RawMessage, error) {
	cur := json.RawMessage(body)
	for i, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			if i == 0 {
				return nil, fmt.Errorf("%s: decoding response: %w", op, err)
			}
			return nil, &ShapeError{Op: op, Field: strings.Join(path[:i+1], "."), Raw: string(body)}
		}
		next, ok := obj[key]
		if !ok {
			return nil, &ShapeError{Op: op, Field: strings.Join(path[:i+1], "."), Raw: string(body)}
		}
		if isNull(next) && !(allowNull && i == len(path)-1) {
			return nil, &ShapeError{Op: op, Field: strings.Join(path[:i+1], "."), Raw: string(body)}
		}
		cur = next
	}
	return cur, nil
}

// decodeField looks up path and unmarshals it into dest.
func decodeField(op string, body []byte, dest any, path ...string) error {
	raw, err := lookup(op, body, false, path...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%s: decoding %s: %w", op, strings.Join(path, "."), err)
	}
	return nil
}

func decodeCaptcha(op string, body []byte) (*Captcha, error) {
	var captcha Captcha
	if err := decodeField(op, body, &captcha, "data"); err != nil {
		return nil, err
	}
	switch {
	case captcha.Image == "":
		return nil, &ShapeError{Op: op, Field: "data.image", Raw: string(body)}
	case captcha.CaptchaToken == "":
		return nil, &ShapeError{Op: op, Field: "data.captchaToken", Raw: string(body)}
	case captcha.VerifyCodeID == "":
		return nil, &ShapeError{Op: op, Field: "data.verifyCodeId", Raw: string(body)}
	}
	return &captcha, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
