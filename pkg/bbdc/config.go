// Package bbdc provides a Go client for the driving-centre booking back
// service: captcha retrieval, login, account queries, released-slot listing
// and practical-slot booking. All endpoints are JSON over HTTPS POST.
package bbdc

import "time"

// Default service settings.
const (
	DefaultBaseURL    = "https://booking.bbdc.sg/bbdc-back-service/api"
	DefaultUserAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_10_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/39.0.2171.95 Safari/537.36"
	DefaultTimeout    = 60 * time.Second
	DefaultCourseType = "3A"
)

// Config holds all configuration for the booking service client.
type Config struct {
	// BaseURL is the API root; endpoint paths are appended to it.
	BaseURL string

	// UserAgent is sent on every request.
	UserAgent string

	// Timeout is the HTTP client timeout for each request. Zero means no timeout.
	Timeout time.Duration
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: DefaultUserAgent,
		Timeout:   DefaultTimeout,
	}
}

// WithBaseURL returns a copy of the config pointing at baseURL.
func (c Config) WithBaseURL(baseURL string) Config {
	c.BaseURL = baseURL
	return c
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c Config) WithTimeout(timeout time.Duration) Config {
	c.Timeout = timeout
	return c
}
