package core

import (
	"testing"
	"time"
)

// TestTransactionLimitsModuleDeadline exercises the wall-clock deadline
// check (spec.md:163): the first BeforeInvoke call establishes the
// deadline, and a later call observed past it is rejected even though
// call depth and invocation rate are both still within bounds.
func TestTransactionLimitsModuleDeadline(t *testing.T) {
	k := newTestKernel()
	m := NewTransactionLimitsModule(16, 1000, 20*time.Millisecond)

	if err := m.BeforeInvoke(k, &Invocation{}); err != nil {
		t.Fatalf("first invoke within budget: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	err := m.BeforeInvoke(k, &Invocation{})
	if err == nil {
		t.Fatalf("expected the wall-clock deadline to have elapsed")
	}
	tagged, ok := err.(TaggedError)
	if !ok || tagged.Kind() != KindModule {
		t.Fatalf("expected a ModuleError, got %T: %v", err, err)
	}
}

// TestTransactionLimitsModuleNoDeadline confirms a zero maxDuration
// disables the wall-clock check entirely.
func TestTransactionLimitsModuleNoDeadline(t *testing.T) {
	k := newTestKernel()
	m := NewTransactionLimitsModule(16, 1000, 0)

	if err := m.BeforeInvoke(k, &Invocation{}); err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := m.BeforeInvoke(k, &Invocation{}); err != nil {
		t.Fatalf("expected no deadline enforcement, got %v", err)
	}
}
