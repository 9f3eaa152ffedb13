package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// InsertBuilder is a PostgreSQL insert that can skip rows violating a unique key.
type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

func NewInsertBuilder() *InsertBuilder {
	return &InsertBuilder{sqlbuilder.PostgreSQL.NewInsertBuilder()}
}

// OnConflictDoNothing appends ON CONFLICT [(columns)] DO NOTHING. Combined with
// RETURNING, only the rows actually written come back.
func (b *InsertBuilder) OnConflictDoNothing(columns ...string) *InsertBuilder {
	if len(columns) == 0 {
		b.SQL("ON CONFLICT DO NOTHING")
		return b
	}
	b.SQL(fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(columns, ", ")))
	return b
}

// Struct maps a db-tagged model onto PostgreSQL statements.
type Struct struct {
	*sqlbuilder.Struct
}

func NewStruct(v any) *Struct {
	return &Struct{sqlbuilder.NewStruct(v).For(sqlbuilder.PostgreSQL)}
}
