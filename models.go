package sublimate

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// Model provides an auto-increment ID and timestamps. It matches the
// tables SchemaBuilder creates with ID() and Timestamps().
//
// Usage:
//
//	type Planet struct {
//	    bun.BaseModel `bun:"table:planets,alias:planet"`
//	    sublimate.Model
//	    Name string `bun:"name,notnull"`
//	}
type Model struct {
	ID        int64     `bun:"id,pk,autoincrement" json:"id" yaml:"id" msgpack:"id"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at" yaml:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at" yaml:"updated_at" msgpack:"updated_at"`
}

// SoftDeletableModel makes Delete mark rows instead of removing them.
// Queries skip marked rows unless WithDeleted is used.
type SoftDeletableModel struct {
	DeletedAt *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty" yaml:"deleted_at,omitempty" msgpack:"deleted_at,omitempty"`
}

// IsDeleted returns true if the model has been soft deleted.
func (m *SoftDeletableModel) IsDeleted() bool {
	return m.DeletedAt != nil
}

var _ bun.BeforeAppendModelHook = (*Model)(nil)

// BeforeAppendModel keeps the timestamps current on insert and update.
func (m *Model) BeforeAppendModel(ctx context.Context, query schema.Query) error {
	switch query.(type) {
	case *bun.InsertQuery:
		now := time.Now()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
	case *bun.UpdateQuery:
		m.UpdatedAt = time.Now()
	}
	return nil
}
