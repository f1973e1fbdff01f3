// Package account decodes managed-account records from the admin API and
// turns them into flattened, ASCII-sanitized export rows.
package account

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StatusActive is the only account status that produces rows.
const StatusActive = "active"

// Record is one managed account as returned by the admin users endpoint.
type Record struct {
	AccountID      string   `json:"account_id"`
	AccountType    string   `json:"account_type"`
	AccountStatus  string   `json:"account_status"`
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	AccessBillable *bool    `json:"access_billable"`
	LastActive     string   `json:"last_active"`
	ProductAccess  []Access `json:"product_access"`
}

// Access is one product the account has access to.
type Access struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	LastActive string `json:"last_active"`
}

// IsActive reports whether the account status is "active".
func (r Record) IsActive() bool {
	return r.AccountStatus == StatusActive
}

// Decode parses one raw record.
func Decode(raw json.RawMessage) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, &MalformedError{Reason: "decode record", Err: err}
	}
	return rec, nil
}

// TimestampLayout is the layout of last_active values, e.g.
// 2024-01-01T00:00:00.000Z. Fractional seconds are optional, and a numeric
// offset such as +02:00 is accepted in place of Z.
const TimestampLayout = time.RFC3339Nano

// ParseTimestamp parses a last_active value. Values with an offset compare
// by instant, so 12:00:00+02:00 equals 10:00:00Z.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// MalformedError reports a record or access entry that is missing an
// expected field or cannot be decoded. It is never fatal to a run.
type MalformedError struct {
	AccountID  string
	ProductKey string
	Reason     string
	Err        error
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	msg := "malformed record"
	if e.AccountID != "" {
		msg += " " + e.AccountID
	}
	if e.ProductKey != "" {
		msg += "/" + e.ProductKey
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *MalformedError) Unwrap() error {
	return e.Err
}
