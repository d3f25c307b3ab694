package store

import (
	"errors"
	"testing"
)

func TestIsSQLiteConflictError(t *testing.T) {
	if isSQLiteConflictError(nil) {
		t.Error("nil should not be a conflict")
	}
	if !isSQLiteConflictError(errors.New("SQLITE_BUSY: busy")) {
		t.Error("expected busy error to be a conflict")
	}
	if !isSQLiteConflictError(errors.New("database is locked")) {
		t.Error("expected locked error to be a conflict")
	}
	if isSQLiteConflictError(errors.New("constraint failed")) {
		t.Error("constraint error is not a conflict")
	}
}
