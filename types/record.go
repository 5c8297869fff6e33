package types

import "github.com/rotisserie/eris"

// RecordKind tags every JSON record written to the store so readers can reject payloads of the wrong shape.
type RecordKind string

const (
	KindWaitingEntry    RecordKind = "waiting_entry"
	KindMatch           RecordKind = "match"
	KindLeftBehind      RecordKind = "left_behind"
	KindReconcileReport RecordKind = "reconcile_report"
)

// Record is implemented by every persisted record variant.
type Record interface {
	RecordKind() RecordKind
	Validate() error
}

func checkKind(got, want RecordKind) error {
	if got != want {
		return eris.Wrapf(ErrCorruptRecord, "expected record kind %q, got %q", want, got)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return eris.Wrapf(ErrCorruptRecord, format, args...)
}
