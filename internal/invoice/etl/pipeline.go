// Package etl implements the intake pipeline for raw invoice records:
// alias normalization, validation, field encryption and transformation into
// upsertable invoice rows. Rows that fail validation come out as rejects
// destined for the quarantine store.
package etl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finflow/finflow-backend/internal/invoice/domain"
	"github.com/finflow/finflow-backend/pkg/crypto"
)

// Amount bounds, exclusive on both ends
const (
	amountMin = 0.01
	amountMax = 999_999_999.99
)

// RawRecord is one untyped intake row as received from a connector or upload
type RawRecord map[string]any

// fieldAliases maps common source column names onto the canonical fields.
// Applied before validation so every rule sees canonical names only.
var fieldAliases = map[string]string{
	"invoice_id":     "external_id",
	"invoiceid":      "external_id",
	"total_amount":   "amount",
	"total":          "amount",
	"client_name":    "customer_name",
	"customer":       "customer_name",
	"invoice_no":     "invoice_number",
	"number":         "invoice_number",
	"payment_status": "status",
	"date_due":       "due_date",
}

// acceptedDateLayouts for the optional due_date field
var acceptedDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"01/02/2006",
}

// Normalize returns a copy of the record with alias keys renamed to their
// canonical form. A canonical key already present wins over its alias.
func Normalize(rec RawRecord) RawRecord {
	out := make(RawRecord, len(rec))
	for k, v := range rec {
		key := strings.ToLower(strings.TrimSpace(k))
		if canonical, ok := fieldAliases[key]; ok {
			if _, exists := out[canonical]; !exists {
				out[canonical] = v
			}
		}
	}
	// Canonical keys written last so they always win over their aliases.
	for k, v := range rec {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, aliased := fieldAliases[key]; !aliased {
			out[key] = v
		}
	}
	return out
}

// Validate checks a normalized record and returns every violation found,
// never just the first.
func Validate(rec RawRecord) []string {
	var errs []string

	if stringField(rec, "external_id") == "" {
		errs = append(errs, "external_id is required")
	}
	if stringField(rec, "customer_name") == "" {
		errs = append(errs, "customer_name is required")
	}

	amount, err := numericField(rec, "amount")
	if err != nil {
		errs = append(errs, "amount must be numeric")
	} else if amount <= amountMin || amount >= amountMax {
		errs = append(errs, fmt.Sprintf("amount must be between %.2f and %.2f exclusive", amountMin, amountMax))
	}

	if status := stringField(rec, "status"); status != "" && !domain.ValidStatuses[status] {
		errs = append(errs, fmt.Sprintf("status %q is not recognized", status))
	}
	if currency := stringField(rec, "currency"); currency != "" && !domain.ValidCurrencies[strings.ToUpper(currency)] {
		errs = append(errs, fmt.Sprintf("currency %q is not supported", currency))
	}
	if due := stringField(rec, "due_date"); due != "" {
		if _, err := parseDate(due); err != nil {
			errs = append(errs, "due_date is not a recognized date")
		}
	}

	return errs
}

// Transform turns a validated record into an invoice row, encrypting
// customer_name and invoice_number with the tenant secret. A missing
// invoice_number gets a synthesized one.
func Transform(rec RawRecord, tenantSecret []byte) (*domain.Invoice, error) {
	amount, err := numericField(rec, "amount")
	if err != nil {
		return nil, err
	}

	customerName, err := crypto.EncryptField(stringField(rec, "customer_name"), tenantSecret)
	if err != nil {
		return nil, err
	}

	invoiceNumber := stringField(rec, "invoice_number")
	if invoiceNumber == "" {
		invoiceNumber = "INV-" + strings.ToUpper(uuid.New().String()[:8])
	}
	encryptedNumber, err := crypto.EncryptField(invoiceNumber, tenantSecret)
	if err != nil {
		return nil, err
	}

	inv := &domain.Invoice{
		ExternalID:    stringField(rec, "external_id"),
		CustomerName:  customerName,
		InvoiceNumber: encryptedNumber,
		Amount:        amount,
		Currency:      "USD",
		Status:        domain.StatusPending,
		IsEncrypted:   true,
		Metadata:      metadataField(rec),
	}

	if status := stringField(rec, "status"); status != "" {
		inv.Status = status
	}
	if currency := stringField(rec, "currency"); currency != "" {
		inv.Currency = strings.ToUpper(currency)
	}
	if due := stringField(rec, "due_date"); due != "" {
		d, err := parseDate(due)
		if err != nil {
			return nil, err
		}
		inv.DueDate = &d
	}

	return inv, nil
}

// Reject is a row that failed validation, with its 1-based position
type Reject struct {
	RowNumber int
	Record    RawRecord
	Errors    []string
}

// Result of processing a batch of raw records
type Result struct {
	Invoices []domain.Invoice
	Rejects  []Reject
}

// Process normalizes, validates and transforms a batch. Validation failures
// never abort the batch; each bad row becomes a reject with its messages.
func Process(rows []RawRecord, tenantSecret []byte) (*Result, error) {
	result := &Result{}

	for i, row := range rows {
		rec := Normalize(row)

		if errs := Validate(rec); len(errs) > 0 {
			result.Rejects = append(result.Rejects, Reject{
				RowNumber: i + 1,
				Record:    rec,
				Errors:    errs,
			})
			continue
		}

		inv, err := Transform(rec, tenantSecret)
		if err != nil {
			// Encryption failures are infrastructure errors, not data errors;
			// they abort the run.
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		result.Invoices = append(result.Invoices, *inv)
	}

	return result, nil
}

func stringField(rec RawRecord, key string) string {
	v, ok := rec[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return strings.TrimSpace(s.String())
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

func numericField(rec RawRecord, key string) (float64, error) {
	v, ok := rec[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%s is missing", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("%s has unsupported type %T", key, v)
	}
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range acceptedDateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func metadataField(rec RawRecord) json.RawMessage {
	if meta, ok := rec["metadata"]; ok && meta != nil {
		if raw, err := json.Marshal(meta); err == nil {
			return raw
		}
	}
	return json.RawMessage(`{}`)
}
