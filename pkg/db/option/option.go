package option

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a gorm query before execution.
type QueryOption func(*gorm.DB) *gorm.DB

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		col := s.SortBy
		if col == "" {
			col = "created_at"
		}
		if s.Allow != nil && !s.Allow[col] {
			col = "created_at"
		}
		dir := "ASC"
		if s.OrderBy == "desc" || s.OrderBy == "DESC" {
			dir = "DESC"
		}
		return db.Order(col + " " + dir)
	}
}

// WithLockingUpdate adds a SELECT ... FOR UPDATE clause on dialects that
// support row locks. sqlite has none; writers there are serialized by the
// callers' per-user mutex instead.
func WithLockingUpdate() QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if db.Dialector.Name() == "sqlite" {
			return db
		}
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
}

func WithLimit(n int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if n > 0 {
			return db.Limit(n)
		}
		return db
	}
}

func WithOffset(n int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if n > 0 {
			return db.Offset(n)
		}
		return db
	}
}

type Operator string

const (
	EQ  Operator = "="
	NE  Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func ApplyOperator(c Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(c.Field+" "+string(c.Operator)+" ?", c.Value)
	}
}
