// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"errors"
	"testing"
)

func TestNoopLogger_SatisfiesLogger(t *testing.T) {
	var l Logger = NewNoopLogger()
	l.Warnf("x %d", 1)
	l.Infof("y")
	l.LogBootstrapStart("db")
	l.LogBootstrapComplete("db")
	l.LogSlotCreated("slot")
	l.LogTriggerInstalled("orders")
	l.LogBatchIndexed("db", "idx", 3)
	l.LogBatchQuarantined("db", "idx", errors.New("boom"))
	l.LogCheckpointAdvanced("db", "idx", 42)
}

func TestNew_SatisfiesLogger(t *testing.T) {
	var l Logger = New()
	l.Warnf("no args")
	l.Infof("with %s", "args")
}
