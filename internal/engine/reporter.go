package engine

import (
	"errors"

	. "swapbook/internal/common"
)

// Reporter receives ledger notifications. Calls are made synchronously, after
// the state change they describe is complete. Errors are logged by the
// ledger and never undo the operation.
type Reporter interface {
	ReportPlaced(order Order) error
	ReportSettled(settlement Settlement) error
}

// Reporters fans a notification out to several reporters.
type Reporters []Reporter

func (rs Reporters) ReportPlaced(order Order) error {
	var errs []error
	for _, r := range rs {
		errs = append(errs, r.ReportPlaced(order))
	}
	return errors.Join(errs...)
}

func (rs Reporters) ReportSettled(settlement Settlement) error {
	var errs []error
	for _, r := range rs {
		errs = append(errs, r.ReportSettled(settlement))
	}
	return errors.Join(errs...)
}

type nopReporter struct{}

func (nopReporter) ReportPlaced(Order) error        { return nil }
func (nopReporter) ReportSettled(Settlement) error { return nil }
