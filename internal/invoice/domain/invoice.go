package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Invoice statuses accepted by intake
const (
	StatusPending   = "pending"
	StatusPaid      = "paid"
	StatusOverdue   = "overdue"
	StatusCancelled = "cancelled"
)

// ValidStatuses is the fixed set accepted for the optional status field
var ValidStatuses = map[string]bool{
	StatusPending:   true,
	StatusPaid:      true,
	StatusOverdue:   true,
	StatusCancelled: true,
}

// ValidCurrencies is the fixed set accepted for the optional currency field
var ValidCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"CHF": true,
	"JPY": true,
}

// Invoice is a row in the tenant's invoices table. CustomerName and
// InvoiceNumber are stored encrypted (nonce:tag:ciphertext) when IsEncrypted
// is set; Amount and the rest stay plaintext for querying.
type Invoice struct {
	ID            string          `json:"id" db:"id"`
	ExternalID    string          `json:"external_id" db:"external_id"`
	CustomerName  string          `json:"customer_name" db:"customer_name"`
	InvoiceNumber string          `json:"invoice_number" db:"invoice_number"`
	Amount        float64         `json:"amount" db:"amount"`
	Currency      string          `json:"currency" db:"currency"`
	Status        string          `json:"status" db:"status"`
	DueDate       *time.Time      `json:"due_date,omitempty" db:"due_date"`
	Metadata      json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	IsEncrypted   bool            `json:"-" db:"is_encrypted"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Quarantine record statuses
const (
	QuarantinePending  = "pending"
	QuarantineResolved = "resolved"
)

// ErrorList is a JSONB-backed ordered list of validation messages
type ErrorList []string

// Value implements driver.Valuer
func (e ErrorList) Value() (driver.Value, error) {
	return json.Marshal(e)
}

// Scan implements sql.Scanner
func (e *ErrorList) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	case nil:
		*e = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into ErrorList", src)
	}
}

// QuarantineRecord holds a raw intake row that failed validation, together
// with the messages explaining why. Deleted on successful retry.
type QuarantineRecord struct {
	ID         string          `json:"id" db:"id"`
	SourceType string          `json:"source_type" db:"source_type"`
	RawData    json.RawMessage `json:"raw_data" db:"raw_data"`
	Errors     ErrorList       `json:"errors" db:"errors"`
	Status     string          `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
