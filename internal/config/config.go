// Package config loads slotwatch's environment configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"
	_ "time/tzdata" // slot times must resolve without a system zoneinfo

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/me/slotwatch/pkg/bbdc"
)

// DefaultEnvFile is read before the environment when it exists.
const DefaultEnvFile = ".env"

// Config is the process configuration. Credentials come only from the
// environment; runtime knobs are command flags.
type Config struct {
	UserID   string `envconfig:"USERID" required:"true"`
	Password string `envconfig:"PASSWORD" required:"true"`

	// BotToken enables Telegram notifications when set.
	BotToken string `envconfig:"BOT_TOKEN"`
	InfoChat string `envconfig:"CHAT_ID1"`

	// AlertChat receives alerts; empty means InfoChat.
	AlertChat string `envconfig:"CHAT_ID2"`

	BaseURL    string `envconfig:"BBDC_BASE_URL"`
	UserAgent  string `envconfig:"USER_AGENT"`
	CourseType string `envconfig:"COURSE_TYPE" default:"3A"`

	// TimeZone is the zone slot times are written in.
	TimeZone string `envconfig:"TZ_NAME" default:"Asia/Singapore"`
}

// Load reads envFile (skipped when missing) and then the environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("reading configuration from environment: %w", err)
	}
	if c.BotToken != "" && c.InfoChat == "" {
		return Config{}, errors.New("CHAT_ID1 is required when BOT_TOKEN is set")
	}
	if _, err := c.Location(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Location resolves TimeZone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("TZ_NAME %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// Client returns the booking client configuration with defaults filled in.
func (c Config) Client(timeout time.Duration) bbdc.Config {
	bc := bbdc.DefaultConfig().WithTimeout(timeout)
	if c.BaseURL != "" {
		bc = bc.WithBaseURL(c.BaseURL)
	}
	if c.UserAgent != "" {
		bc.UserAgent = c.UserAgent
	}
	return bc
}

// Notifications reports whether Telegram delivery is configured.
func (c Config) Notifications() bool {
	return c.BotToken != ""
}
