package sublimate

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// AuditAction represents the type of action being audited.
type AuditAction string

const (
	AuditActionCreate     AuditAction = "CREATE"
	AuditActionUpdate     AuditAction = "UPDATE"
	AuditActionDelete     AuditAction = "DELETE"
	AuditActionSoftDelete AuditAction = "SOFT_DELETE"
	AuditActionRestore    AuditAction = "RESTORE"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Action    AuditAction     `json:"action"`
	TableName string          `json:"table_name"`
	RecordID  string          `json:"record_id"`
	OldData   json.RawMessage `json:"old_data,omitempty"`
	NewData   json.RawMessage `json:"new_data,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	IPAddress string          `json:"ip_address,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditHandler stores an audit entry. It receives the handle the audited
// write ran on, so a database handler writes inside the same transaction.
type AuditHandler func(db *DB, entry *AuditEntry) error

// AuditSubject is implemented by principals that name themselves in audit
// entries. Other principals are recorded with fmt.Sprint.
type AuditSubject interface {
	AuditID() string
}

// AuditMiddleware records an entry for every successful write of T.
//
// Usage:
//
//	sublimate.UseModelMiddleware[Planet](engine,
//	    sublimate.NewAuditMiddleware[Planet](sublimate.NewDatabaseAuditHandler()))
type AuditMiddleware[T any] struct {
	Handler AuditHandler

	// IncludeOldData reloads the stored row before updates and records it.
	IncludeOldData bool

	// IncludeNewData records the model after creates and updates.
	IncludeNewData bool

	// Metadata extracts additional metadata from the context.
	Metadata func(ctx context.Context) map[string]any
}

// NewAuditMiddleware creates an audit middleware recording old and new data.
func NewAuditMiddleware[T any](handler AuditHandler) *AuditMiddleware[T] {
	return &AuditMiddleware[T]{
		Handler:        handler,
		IncludeOldData: true,
		IncludeNewData: true,
	}
}

func (m *AuditMiddleware[T]) Create(db *DB, model *T, next ModelResponder[T]) error {
	if err := next.Create(db, model); err != nil {
		return err
	}
	return m.record(db, AuditActionCreate, model, nil, m.newData(model))
}

func (m *AuditMiddleware[T]) Update(db *DB, model *T, next ModelResponder[T]) error {
	var old *T
	if m.IncludeOldData {
		var err error
		if old, err = m.stored(db, model); err != nil {
			return err
		}
	}
	if err := next.Update(db, model); err != nil {
		return err
	}
	return m.record(db, AuditActionUpdate, model, old, m.newData(model))
}

func (m *AuditMiddleware[T]) Delete(db *DB, model *T, force bool, next ModelResponder[T]) error {
	if err := next.Delete(db, model, force); err != nil {
		return err
	}
	return m.record(db, AuditActionDelete, model, model, nil)
}

func (m *AuditMiddleware[T]) SoftDelete(db *DB, model *T, next ModelResponder[T]) error {
	if err := next.SoftDelete(db, model); err != nil {
		return err
	}
	return m.record(db, AuditActionSoftDelete, model, model, nil)
}

func (m *AuditMiddleware[T]) Restore(db *DB, model *T, next ModelResponder[T]) error {
	if err := next.Restore(db, model); err != nil {
		return err
	}
	return m.record(db, AuditActionRestore, model, nil, m.newData(model))
}

func (m *AuditMiddleware[T]) newData(model *T) any {
	if !m.IncludeNewData {
		return nil
	}
	return model
}

// stored reads the current row of model without touching model itself.
func (m *AuditMiddleware[T]) stored(db *DB, model *T) (*T, error) {
	conn, err := db.handle("Audit")
	if err != nil {
		return nil, err
	}
	old := new(T)
	*old = *model
	err = includeDeleted[T](conn, conn.NewSelect().Model(old).WherePK()).Scan(db.ctx)
	if err != nil {
		if IsNotFound(wrapError(err, "Audit")) {
			return nil, nil
		}
		return nil, wrapError(err, "Audit")
	}
	return old, nil
}

func (m *AuditMiddleware[T]) record(db *DB, action AuditAction, model *T, oldData, newData any) error {
	if m.Handler == nil {
		return nil
	}
	conn, err := db.handle("Audit")
	if err != nil {
		return err
	}

	table := tableOf[T](conn)
	entry := &AuditEntry{
		Action:    action,
		TableName: table.Name,
		RecordID:  recordID(table.PKs, reflect.ValueOf(model).Elem()),
		CreatedAt: time.Now(),
	}

	ctx := db.Context()
	info := auditInfoFrom(ctx)
	entry.UserID = info.userID
	entry.IPAddress = info.ipAddress
	entry.UserAgent = info.userAgent
	if entry.UserID == "" {
		entry.UserID = subjectID(PrincipalFromContext(ctx))
	}

	if m.Metadata != nil {
		if metadata := m.Metadata(ctx); len(metadata) > 0 {
			entry.Metadata, _ = json.Marshal(metadata)
		}
	}
	if m.IncludeOldData && !isNil(oldData) {
		entry.OldData, _ = json.Marshal(oldData)
	}
	if !isNil(newData) {
		entry.NewData, _ = json.Marshal(newData)
	}

	return m.Handler(db, entry)
}

func recordID(pks []*schema.Field, v reflect.Value) string {
	parts := make([]string, len(pks))
	for i, pk := range pks {
		parts[i] = fmt.Sprint(v.FieldByIndex(pk.Index).Interface())
	}
	return strings.Join(parts, ",")
}

func subjectID(principal any) string {
	switch p := principal.(type) {
	case nil:
		return ""
	case AuditSubject:
		return p.AuditID()
	case string:
		return p
	default:
		return fmt.Sprint(p)
	}
}

// AuditLog is a database model for storing audit entries. Create its table
// by running AuditLogMigration.
type AuditLog struct {
	bun.BaseModel `bun:"table:audit_logs,alias:al"`

	ID        int64       `bun:"id,pk,autoincrement" json:"id"`
	Action    AuditAction `bun:"action,notnull" json:"action"`
	TableName string      `bun:"table_name,notnull" json:"table_name"`
	RecordID  string      `bun:"record_id,notnull" json:"record_id"`
	OldData   string      `bun:"old_data,nullzero" json:"old_data,omitempty"`
	NewData   string      `bun:"new_data,nullzero" json:"new_data,omitempty"`
	UserID    string      `bun:"user_id,nullzero" json:"user_id,omitempty"`
	IPAddress string      `bun:"ip_address,nullzero" json:"ip_address,omitempty"`
	UserAgent string      `bun:"user_agent,nullzero" json:"user_agent,omitempty"`
	Metadata  string      `bun:"metadata,nullzero" json:"metadata,omitempty"`
	CreatedAt time.Time   `bun:"created_at,notnull" json:"created_at"`
}

// NewDatabaseAuditHandler creates an AuditHandler that inserts entries into
// audit_logs on the handle of the audited write.
func NewDatabaseAuditHandler() AuditHandler {
	return func(db *DB, entry *AuditEntry) error {
		conn, err := db.handle("Audit")
		if err != nil {
			return err
		}

		log := &AuditLog{
			Action:    entry.Action,
			TableName: entry.TableName,
			RecordID:  entry.RecordID,
			OldData:   string(entry.OldData),
			NewData:   string(entry.NewData),
			UserID:    entry.UserID,
			IPAddress: entry.IPAddress,
			UserAgent: entry.UserAgent,
			Metadata:  string(entry.Metadata),
			CreatedAt: entry.CreatedAt,
		}
		_, err = conn.NewInsert().Model(log).Exec(db.ctx)
		return wrapError(err, "Audit")
	}
}

// AuditLogMigration creates the audit_logs table and its lookup index.
type AuditLogMigration struct{}

func (AuditLogMigration) Name() string { return "sublimate_audit_logs" }

func (AuditLogMigration) Prepare(db *DB) error {
	conn, err := db.handle("AuditLogMigration")
	if err != nil {
		return err
	}
	if _, err := conn.NewCreateTable().Model((*AuditLog)(nil)).IfNotExists().Exec(db.ctx); err != nil {
		return wrapError(err, "AuditLogMigration")
	}
	_, err = conn.NewCreateIndex().
		Model((*AuditLog)(nil)).
		Index("idx_audit_logs_table_record").
		Column("table_name", "record_id").
		IfNotExists().
		Exec(db.ctx)
	return wrapError(err, "AuditLogMigration")
}

func (AuditLogMigration) Revert(db *DB) error {
	conn, err := db.handle("AuditLogMigration")
	if err != nil {
		return err
	}
	_, err = conn.NewDropTable().Model((*AuditLog)(nil)).IfExists().Exec(db.ctx)
	return wrapError(err, "AuditLogMigration")
}

type auditInfoKey struct{}

type auditInfo struct {
	userID    string
	ipAddress string
	userAgent string
}

// WithAuditContext adds audit context information to a context. A
// non-empty userID takes precedence over the logged in principal.
//
// Usage:
//
//	ctx = sublimate.WithAuditContext(ctx, userID, ipAddress, userAgent)
func WithAuditContext(ctx context.Context, userID, ipAddress, userAgent string) context.Context {
	return context.WithValue(ctx, auditInfoKey{}, auditInfo{
		userID:    userID,
		ipAddress: ipAddress,
		userAgent: userAgent,
	})
}

func auditInfoFrom(ctx context.Context) auditInfo {
	info, _ := ctx.Value(auditInfoKey{}).(auditInfo)
	return info
}

// AuditRequestInfo is middleware recording the client address and user
// agent of each request for audit entries.
func AuditRequestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := WithAuditContext(r.Context(), "", ip, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
