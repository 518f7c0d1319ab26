package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type config struct {
	// loggo logger levels, e.g. "<root>=WARNING;pcsc=DEBUG"
	LogLevels string

	// Address of the HTTP server for the websocket feed and metrics.
	// Empty disables it.
	Listen string

	// AID selected on ISO 14443-4 cards, hex encoded
	AID string

	// Optional read of memory cards once ready
	ReadBlock  int
	ReadLength int
	// MIFARE Classic key authenticating ReadBlock before the read, hex
	// encoded. Empty skips authentication.
	Key     string
	KeyType string
	// Decode the read data as an NFC Forum Type 2 tag NDEF message
	NDEF bool

	// Disable the ACR122 LED and buzzer feedback
	NoFeedback bool

	// Sentry error reporting, disabled without a DSN
	SentryDSN         string
	SentryEnvironment string

	// Timeout of one card operation
	Timeout duration
}

// duration reads "2s" style strings from JSON.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func defaultConfig() *config {
	return &config{
		LogLevels:         "<root>=WARNING;main=INFO;pcsc=INFO;scardtransport=INFO",
		ReadBlock:         4,
		KeyType:           "A",
		SentryEnvironment: "production",
		Timeout:           duration{5 * time.Second},
	}
}

func (c *config) fromFile(file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	return nil
}

// fromEnv applies NFC_PCSC_* variables on top of the file settings.
func (c *config) fromEnv() {
	if v := os.Getenv("NFC_PCSC_LOG"); v != "" {
		c.LogLevels = v
	}
	if v := os.Getenv("NFC_PCSC_SENTRY_DSN"); v != "" {
		c.SentryDSN = v
	}
	if v := os.Getenv("NFC_PCSC_ENVIRONMENT"); v != "" {
		c.SentryEnvironment = v
	}
}

func (c *config) validate() error {
	if c.ReadLength < 0 {
		return fmt.Errorf("negative read length %d", c.ReadLength)
	}
	if c.ReadBlock < 0 || c.ReadBlock > 0xFFFF {
		return fmt.Errorf("read block %d out of range 0-65535", c.ReadBlock)
	}
	// Authentication addresses blocks with a single byte.
	if c.Key != "" && c.ReadBlock > 0xFF {
		return fmt.Errorf("read block %d cannot be authenticated, blocks go up to 255", c.ReadBlock)
	}
	if c.KeyType != "A" && c.KeyType != "B" {
		return fmt.Errorf("key type must be A or B, got %q", c.KeyType)
	}
	if c.Timeout.Duration <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}
