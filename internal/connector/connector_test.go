package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finflow/finflow-backend/internal/invoice/etl"
	"github.com/finflow/finflow-backend/internal/invoice/service"
	"github.com/finflow/finflow-backend/pkg/errors"
)

type fakeIntake struct {
	rows       []etl.RawRecord
	sourceType string
}

func (f *fakeIntake) RunInvoiceETL(ctx context.Context, rows []etl.RawRecord, sourceType string) (*service.IntakeResult, error) {
	f.rows = rows
	f.sourceType = sourceType
	return &service.IntakeResult{Total: len(rows), Synced: len(rows)}, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewStatic(nil)))

	t.Run("Get", func(t *testing.T) {
		c, err := reg.Get(TypeStatic)
		require.NoError(t, err)
		assert.Equal(t, TypeStatic, c.Type())
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := reg.Get("quickbooks")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBadRequest))
	})

	t.Run("DuplicateRegistration", func(t *testing.T) {
		err := reg.Register(NewStatic(nil))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrConflict))
	})

	t.Run("Types", func(t *testing.T) {
		assert.Equal(t, []string{TypeStatic}, reg.Types())
	})
}

func TestStaticSync(t *testing.T) {
	records := []etl.RawRecord{
		{"external_id": "EXT-1", "customer_name": "Acme", "amount": 100.0},
		{"external_id": "EXT-2", "customer_name": "Globex", "amount": 250.0},
	}
	c := NewStatic(records)
	intake := &fakeIntake{}

	require.NoError(t, c.TestConnection(context.Background()))

	result, err := c.Sync(context.Background(), intake)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, TypeStatic, intake.sourceType)
	assert.Len(t, intake.rows, 2)
}
