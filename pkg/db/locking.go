package db

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ForUpdate applies a row lock on dialects that support it. SQLite has a
// single writer and no FOR UPDATE syntax, so the clause is skipped there;
// transaction semantics still serialize the read-modify-write.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// ForUpdateSkipLocked claims rows for batch work without blocking on rows
// held by a concurrent worker.
func ForUpdateSkipLocked(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}
