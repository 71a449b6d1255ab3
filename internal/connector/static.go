package connector

import (
	"context"

	"github.com/finflow/finflow-backend/internal/invoice/etl"
	"github.com/finflow/finflow-backend/internal/invoice/service"
)

// TypeStatic is the reference connector: records staged in memory, no
// external system. Used by the background worker in development and by
// tests that need a full sync path without provider credentials.
const TypeStatic = "static"

// StaticConnector serves a fixed set of raw records
type StaticConnector struct {
	records []etl.RawRecord
}

// NewStatic creates a static connector over the given records
func NewStatic(records []etl.RawRecord) *StaticConnector {
	return &StaticConnector{records: records}
}

// Type implements Connector
func (c *StaticConnector) Type() string {
	return TypeStatic
}

// TestConnection implements Connector. The staged records are always there.
func (c *StaticConnector) TestConnection(ctx context.Context) error {
	return nil
}

// FetchData implements Connector
func (c *StaticConnector) FetchData(ctx context.Context) ([]etl.RawRecord, error) {
	out := make([]etl.RawRecord, len(c.records))
	copy(out, c.records)
	return out, nil
}

// Sync implements Connector
func (c *StaticConnector) Sync(ctx context.Context, intake Intake) (*service.IntakeResult, error) {
	rows, err := c.FetchData(ctx)
	if err != nil {
		return nil, err
	}
	return intake.RunInvoiceETL(ctx, rows, c.Type())
}
