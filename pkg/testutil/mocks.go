package testutil

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/finflow/finflow-backend/pkg/database"
	"github.com/finflow/finflow-backend/pkg/logger"
)

// Database roles the scoped executor binds with SET LOCAL ROLE
const (
	DBRoleTenant    = "finflow_tenant"
	DBRoleReadonly  = "finflow_readonly"
	DBRoleMigration = "finflow_migration"
	DBRoleJob       = "finflow_job"
)

// MockDB wraps sqlmock behind the database.DB wrapper so repositories can be
// tested without a real server.
type MockDB struct {
	DB   *database.DB
	Sqlx *sqlx.DB
	Mock sqlmock.Sqlmock
}

// NewMockDB creates a new mock database for unit testing.
//
// Usage:
//
//	mockDB := testutil.NewMockDB(t)
//	defer mockDB.Close()
//
//	mockDB.ExpectTenantTx("tenant_acme_7f3a9c", "tenant-id", testutil.DBRoleTenant)
//	mockDB.ExpectQuery("SELECT").WillReturnRows(...)
//	mockDB.Mock.ExpectCommit()
//
//	repo := repository.NewInvoiceRepository(mockDB.DB)
func NewMockDB(t *testing.T) *MockDB {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	sqlxDB := sqlx.NewDb(db, "postgres")
	log := logger.New("test", "test")

	return &MockDB{
		DB:   database.NewFromSqlx(sqlxDB, log),
		Sqlx: sqlxDB,
		Mock: mock,
	}
}

// Close closes the mock database connection
func (m *MockDB) Close() error {
	return m.Sqlx.Close()
}

// ExpectQuery sets up an expected query
func (m *MockDB) ExpectQuery(query string) *sqlmock.ExpectedQuery {
	return m.Mock.ExpectQuery(regexp.QuoteMeta(query))
}

// ExpectExec sets up an expected exec
func (m *MockDB) ExpectExec(query string) *sqlmock.ExpectedExec {
	return m.Mock.ExpectExec(regexp.QuoteMeta(query))
}

// ExpectationsWereMet verifies all expectations were met
func (m *MockDB) ExpectationsWereMet(t *testing.T) {
	t.Helper()
	if err := m.Mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled mock expectations: %v", err)
	}
}

// MockRows creates a new mock rows object
func MockRows(columns ...string) *sqlmock.Rows {
	return sqlmock.NewRows(columns)
}

// MarkSchemaVerified skips the information_schema existence check for a
// schema, as provisioning would have after creating it.
func (m *MockDB) MarkSchemaVerified(schemaName string) {
	m.DB.MarkSchemaVerified(schemaName)
}

// ExpectSchemaCheck sets up the schema existence probe issued once per
// process per schema before the first scoped transaction.
func (m *MockDB) ExpectSchemaCheck(schemaName string, exists bool) {
	m.Mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)")).
		WithArgs(schemaName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

// ExpectTenantTx sets up the opening of a tenant-scoped transaction: BEGIN
// followed by the three binding statements. The caller adds its own query
// expectations and the closing ExpectCommit or ExpectRollback.
func (m *MockDB) ExpectTenantTx(schemaName, rlsID, dbRole string) {
	m.Mock.ExpectBegin()
	searchPath := `SET LOCAL search_path TO "` + schemaName + `", public`
	if schemaName == "public" {
		searchPath = `SET LOCAL search_path TO public`
	}
	m.Mock.ExpectExec(regexp.QuoteMeta(searchPath)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	m.Mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('app.tenant_id', $1, true)")).
		WithArgs(rlsID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	m.Mock.ExpectExec(regexp.QuoteMeta("SET LOCAL ROLE " + dbRole)).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

// ExpectTenantQuery sets up a complete tenant-scoped transaction that runs a
// single query and commits.
func (m *MockDB) ExpectTenantQuery(schemaName, rlsID, query string, rows *sqlmock.Rows) {
	m.ExpectTenantTx(schemaName, rlsID, DBRoleTenant)
	m.Mock.ExpectQuery(regexp.QuoteMeta(query)).WillReturnRows(rows)
	m.Mock.ExpectCommit()
}

// ExpectTenantExec sets up a complete tenant-scoped transaction that runs a
// single exec and commits.
func (m *MockDB) ExpectTenantExec(schemaName, rlsID, query string, result driver.Result) {
	m.ExpectTenantTx(schemaName, rlsID, DBRoleTenant)
	m.Mock.ExpectExec(regexp.QuoteMeta(query)).WillReturnResult(result)
	m.Mock.ExpectCommit()
}

// ExpectPublicQuery sets up a public-schema transaction running one query.
func (m *MockDB) ExpectPublicQuery(rlsID, query string, rows *sqlmock.Rows) {
	m.ExpectTenantQuery("public", rlsID, query, rows)
}

// AnyTime is a matcher for any time.Time value
type AnyTime struct{}

// Match satisfies the sqlmock.Argument interface
func (a AnyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

// AnyUUID is a matcher for any UUID string
type AnyUUID struct{}

// Match satisfies the sqlmock.Argument interface
func (a AnyUUID) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	matched, _ := regexp.MatchString(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, s)
	return matched
}

// MockPublisher is a mock event publisher for testing
type MockPublisher struct {
	PublishedEvents []PublishedEvent
}

// PublishedEvent represents an event that was published
type PublishedEvent struct {
	Type    string
	Payload interface{}
}

// NewMockPublisher creates a new mock publisher
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		PublishedEvents: make([]PublishedEvent, 0),
	}
}

// Publish records an event for later verification
func (m *MockPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	m.PublishedEvents = append(m.PublishedEvents, PublishedEvent{
		Type:    eventType,
		Payload: payload,
	})
	return nil
}

// AssertEventPublished checks if an event of the given type was published
func (m *MockPublisher) AssertEventPublished(t *testing.T, eventType string) {
	t.Helper()
	for _, e := range m.PublishedEvents {
		if e.Type == eventType {
			return
		}
	}
	t.Errorf("expected event %q to be published, but it wasn't", eventType)
}

// AssertNoEventsPublished checks that no events were published
func (m *MockPublisher) AssertNoEventsPublished(t *testing.T) {
	t.Helper()
	if len(m.PublishedEvents) > 0 {
		t.Errorf("expected no events, but got %d: %+v", len(m.PublishedEvents), m.PublishedEvents)
	}
}

// Reset clears all published events
func (m *MockPublisher) Reset() {
	m.PublishedEvents = make([]PublishedEvent, 0)
}
