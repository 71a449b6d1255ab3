// Package connector defines the pluggable intake sources that feed the
// invoice pipeline. A connector knows how to reach an external system and
// pull raw records; what happens to those records afterwards belongs to the
// intake service.
package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/finflow/finflow-backend/internal/invoice/etl"
	"github.com/finflow/finflow-backend/internal/invoice/service"
	"github.com/finflow/finflow-backend/pkg/errors"
)

// Intake runs fetched records through the invoice pipeline under the
// caller's tenant scope. Satisfied by service.IntakeService.
type Intake interface {
	RunInvoiceETL(ctx context.Context, rows []etl.RawRecord, sourceType string) (*service.IntakeResult, error)
}

// Connector is one intake source type
type Connector interface {
	// Type identifies the connector, also used as the quarantine source tag
	Type() string

	// TestConnection verifies the source is reachable with the configured
	// credentials
	TestConnection(ctx context.Context) error

	// FetchData pulls the current batch of raw records from the source
	FetchData(ctx context.Context) ([]etl.RawRecord, error)

	// Sync fetches and hands the batch to the intake pipeline
	Sync(ctx context.Context, intake Intake) (*service.IntakeResult, error)
}

// Registry holds the available connectors keyed by type
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty connector registry
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector. Registering the same type twice is a
// programming error surfaced as a conflict.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[c.Type()]; exists {
		return errors.Conflict("connector type already registered: " + c.Type())
	}
	r.connectors[c.Type()] = c
	return nil
}

// Get returns the connector for a type
func (r *Registry) Get(connectorType string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[connectorType]
	if !ok {
		return nil, errors.BadRequest("unknown connector type: " + connectorType)
	}
	return c, nil
}

// Types returns the registered connector types, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
