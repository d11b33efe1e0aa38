package core

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// SystemModule is one stage of the module mixer (spec.md §4.5): a
// stateless observer of every kernel callback, run in a fixed pipeline
// order alongside the others. Modules that don't care about a given
// callback embed BaseModule and only override what they need.
type SystemModule interface {
	BeforeInvoke(api KernelApi, inv *Invocation) error
	AfterInvoke(api KernelApi, result *DispatchResult) error
	BeforeCreateNode(api KernelApi, id NodeId) error
	AfterDropNode(api KernelApi, id NodeId) error
	BeforeOpenSubstate(api KernelApi, node NodeId, partition PartitionNumber, key SubstateKey, flags LockFlags) error
	AfterCloseSubstate(api KernelApi, handle uint32) error
}

// BaseModule is a no-op SystemModule; concrete modules embed it so they
// only need to implement the callbacks they actually care about.
type BaseModule struct{}

func (BaseModule) BeforeInvoke(KernelApi, *Invocation) error                { return nil }
func (BaseModule) AfterInvoke(KernelApi, *DispatchResult) error             { return nil }
func (BaseModule) BeforeCreateNode(KernelApi, NodeId) error                 { return nil }
func (BaseModule) AfterDropNode(KernelApi, NodeId) error                   { return nil }
func (BaseModule) BeforeOpenSubstate(KernelApi, NodeId, PartitionNumber, SubstateKey, LockFlags) error {
	return nil
}
func (BaseModule) AfterCloseSubstate(KernelApi, uint32) error { return nil }

// ModuleMixer runs a fixed-order pipeline of SystemModules around every
// kernel callback (spec.md §4.5): TransactionLimits, Auth, Costing,
// Royalty, KernelTrace, ExecutionTrace, Event. It implements the
// Before/After half of SystemCallbackObject; System (system.go) embeds it
// and adds Dispatch.
type ModuleMixer struct {
	TransactionLimits *TransactionLimitsModule
	Auth              *AuthModule
	Costing           *CostingModule
	Royalty           *RoyaltyModule
	KernelTrace       *KernelTraceModule
	ExecutionTrace    *ExecutionTraceModule
	Event             *EventModule
}

// NewModuleMixer wires the fixed 7-stage pipeline (spec.md EXPANSION:
// "fixed 7-stage module-mixer pipeline order"). maxTransactionDuration is
// the wall-clock budget for the whole transaction (spec.md:163); zero
// disables the deadline check.
func NewModuleMixer(maxInvokeDepth int, maxInvokesPerSecond float64, maxTransactionDuration time.Duration, fee *FeeReserve, feeTable FeeTable, log *logrus.Logger) *ModuleMixer {
	return &ModuleMixer{
		TransactionLimits: NewTransactionLimitsModule(maxInvokeDepth, maxInvokesPerSecond, maxTransactionDuration),
		Auth:              NewAuthModule(),
		Costing:           NewCostingModule(fee, feeTable),
		Royalty:           NewRoyaltyModule(),
		KernelTrace:       NewKernelTraceModule(log),
		ExecutionTrace:    NewExecutionTraceModule(),
		Event:             NewEventModule(),
	}
}

func (m *ModuleMixer) pipeline() []SystemModule {
	return []SystemModule{m.TransactionLimits, m.Auth, m.Costing, m.Royalty, m.KernelTrace, m.ExecutionTrace, m.Event}
}

func (m *ModuleMixer) BeforeInvoke(api KernelApi, inv *Invocation) error {
	for _, mod := range m.pipeline() {
		if err := mod.BeforeInvoke(api, inv); err != nil {
			return err
		}
	}
	return nil
}

func (m *ModuleMixer) AfterInvoke(api KernelApi, result *DispatchResult) error {
	for _, mod := range m.pipeline() {
		if err := mod.AfterInvoke(api, result); err != nil {
			return err
		}
	}
	return nil
}

func (m *ModuleMixer) BeforeCreateNode(api KernelApi, id NodeId) error {
	for _, mod := range m.pipeline() {
		if err := mod.BeforeCreateNode(api, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *ModuleMixer) AfterDropNode(api KernelApi, id NodeId) error {
	for _, mod := range m.pipeline() {
		if err := mod.AfterDropNode(api, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *ModuleMixer) BeforeOpenSubstate(api KernelApi, node NodeId, partition PartitionNumber, key SubstateKey, flags LockFlags) error {
	for _, mod := range m.pipeline() {
		if err := mod.BeforeOpenSubstate(api, node, partition, key, flags); err != nil {
			return err
		}
	}
	return nil
}

func (m *ModuleMixer) AfterCloseSubstate(api KernelApi, handle uint32) error {
	for _, mod := range m.pipeline() {
		if err := mod.AfterCloseSubstate(api, handle); err != nil {
			return err
		}
	}
	return nil
}

// --- 1. TransactionLimitsModule -------------------------------------------

// TransactionLimitsModule bounds call-frame depth, the rate of
// invocations, and the wall-clock duration of one transaction (spec.md:163
// "A transaction-wide cost limit and wall-clock deadline are checked by
// the costing module at every metered operation"; this kernel checks the
// deadline here, in the module that already runs on every metered
// callback, rather than duplicating the check into CostingModule). The
// rate ceiling reuses golang.org/x/time/rate, the same limiter the
// teacher applies to inbound HTTP requests in core/virtual_machine.go's
// `limit` middleware, repurposed here to bound metered kernel callbacks
// per transaction instead of HTTP requests.
type TransactionLimitsModule struct {
	BaseModule
	maxDepth    int
	limiter     *rate.Limiter
	maxDuration time.Duration // 0 disables the deadline check
	deadline    time.Time      // set from the first observed callback
}

func NewTransactionLimitsModule(maxDepth int, invokesPerSecond float64, maxDuration time.Duration) *TransactionLimitsModule {
	return &TransactionLimitsModule{
		maxDepth:    maxDepth,
		limiter:     rate.NewLimiter(rate.Limit(invokesPerSecond), maxDepth+1),
		maxDuration: maxDuration,
	}
}

func (m *TransactionLimitsModule) BeforeInvoke(api KernelApi, inv *Invocation) error {
	if api.CurrentFrame().Depth+1 > m.maxDepth {
		return newModuleError(ErrTransactionLimitExceeded, fmt.Errorf("call depth would exceed %d", m.maxDepth))
	}
	if !m.limiter.Allow() {
		return newModuleError(ErrTransactionLimitExceeded, fmt.Errorf("invocation rate ceiling exceeded"))
	}
	if m.maxDuration > 0 {
		now := time.Now()
		if m.deadline.IsZero() {
			m.deadline = now.Add(m.maxDuration)
		} else if now.After(m.deadline) {
			return newModuleError(ErrTransactionLimitExceeded, fmt.Errorf("wall-clock deadline of %s exceeded", m.maxDuration))
		}
	}
	return nil
}

// --- 2. AuthModule ---------------------------------------------------------

// AuthModule enforces an Invocation's RequiredAuth, if any, by running the
// barrier-walk algorithm in authorization.go against the current frame's
// auth-zone stack (spec.md §4.6).
type AuthModule struct {
	BaseModule
	kernel *Kernel // set via Bind once the owning Kernel exists
}

func NewAuthModule() *AuthModule { return &AuthModule{} }

// Bind gives the AuthModule access to the owning Kernel's auth-zone table,
// which KernelApi does not expose directly (it is an implementation
// detail of frame push/pop, not a general kernel operation).
func (m *AuthModule) Bind(k *Kernel) { m.kernel = k }

func (m *AuthModule) BeforeInvoke(api KernelApi, inv *Invocation) error {
	if inv.RequiredAuth == nil || m.kernel == nil {
		return nil
	}
	ok, err := CheckAuthorization(m.kernel, inv.RequiredAuth)
	if err != nil {
		return err
	}
	if !ok {
		return newModuleError(ErrAuthorizationFailed, fmt.Errorf("access rule not satisfied for %s", inv.Callee))
	}
	return nil
}

// --- 3. CostingModule -------------------------------------------------------

// CostingModule meters every kernel callback against a FeeReserve,
// converting exhaustion into a transaction-aborting ModuleError (spec.md
// §4.5).
type CostingModule struct {
	BaseModule
	reserve *FeeReserve
	table   FeeTable
}

func NewCostingModule(reserve *FeeReserve, table FeeTable) *CostingModule {
	return &CostingModule{reserve: reserve, table: table}
}

func (m *CostingModule) BeforeInvoke(api KernelApi, inv *Invocation) error {
	return m.reserve.Charge(m.table.Invoke + uint64(len(inv.Args))*m.table.PerByteArg)
}

func (m *CostingModule) BeforeCreateNode(api KernelApi, id NodeId) error {
	return m.reserve.Charge(m.table.CreateNode)
}

func (m *CostingModule) BeforeOpenSubstate(api KernelApi, node NodeId, partition PartitionNumber, key SubstateKey, flags LockFlags) error {
	return m.reserve.Charge(m.table.OpenSubstate)
}

func (m *CostingModule) AfterCloseSubstate(api KernelApi, handle uint32) error {
	return m.reserve.Charge(m.table.CloseSubstate)
}

// --- 4. RoyaltyModule --------------------------------------------------------

// RoyaltyModule charges a configured royalty to the invoked blueprint's
// package owner on successful completion of a method call (spec.md §4.5).
type RoyaltyModule struct {
	BaseModule
	rates   map[BlueprintId]uint64
	reserve *FeeReserve
}

func NewRoyaltyModule() *RoyaltyModule {
	return &RoyaltyModule{rates: make(map[BlueprintId]uint64)}
}

// SetRoyalty configures the per-call royalty for a blueprint.
func (m *RoyaltyModule) SetRoyalty(bp BlueprintId, amount uint64) { m.rates[bp] = amount }

// Fund attaches the reserve royalties are charged against (shared with, or
// separate from, CostingModule's reserve depending on tx_processor wiring).
func (m *RoyaltyModule) Fund(reserve *FeeReserve) { m.reserve = reserve }

func (m *RoyaltyModule) AfterInvoke(api KernelApi, result *DispatchResult) error {
	if m.reserve == nil {
		return nil
	}
	bp := api.CurrentFrame().Actor.Blueprint
	if amount, ok := m.rates[bp]; ok && amount > 0 {
		return m.reserve.Charge(amount)
	}
	return nil
}

// --- 5. KernelTraceModule ----------------------------------------------------

// KernelTraceModule logs every kernel callback with logrus, matching the
// teacher's structured-logging idiom (core/virtual_machine.go's
// `logrus.SetFormatter(&logrus.JSONFormatter{})`).
type KernelTraceModule struct {
	BaseModule
	log *logrus.Logger
}

func NewKernelTraceModule(log *logrus.Logger) *KernelTraceModule {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &KernelTraceModule{log: log}
}

func (m *KernelTraceModule) BeforeInvoke(api KernelApi, inv *Invocation) error {
	m.log.WithFields(logrus.Fields{
		"callee": inv.Callee.String(),
		"export": inv.Export,
		"depth":  api.CurrentFrame().Depth,
	}).Debug("kernel: invoke")
	return nil
}

// --- 6. ExecutionTraceModule -------------------------------------------------

// TraceEntry is one recorded invocation, for post-execution inspection
// (spec.md §4.5 execution trace — copied by receipt.go into
// Receipt.Trace alongside the state updates).
type TraceEntry struct {
	Depth  int
	Callee BlueprintId
	Export string
}

// ExecutionTraceModule accumulates a flat call trace for the receipt.
type ExecutionTraceModule struct {
	BaseModule
	entries []TraceEntry
}

func NewExecutionTraceModule() *ExecutionTraceModule { return &ExecutionTraceModule{} }

func (m *ExecutionTraceModule) BeforeInvoke(api KernelApi, inv *Invocation) error {
	m.entries = append(m.entries, TraceEntry{Depth: api.CurrentFrame().Depth, Callee: inv.Callee, Export: inv.Export})
	return nil
}

func (m *ExecutionTraceModule) Entries() []TraceEntry { return m.entries }

// --- 7. EventModule -----------------------------------------------------------

// Event is one application-emitted event (spec.md §4.5, §4.7 native
// blueprints emit events on state transitions such as epoch advance).
type Event struct {
	Emitter BlueprintId
	Name    string
	Payload []byte
}

// EventModule collects events emitted during a transaction. Native
// blueprints call Emit directly (through System, which holds a reference
// to this module) rather than through a kernel callback, since event
// emission isn't itself a kernel operation.
type EventModule struct {
	BaseModule
	events []Event
}

func NewEventModule() *EventModule { return &EventModule{} }

func (m *EventModule) Emit(emitter BlueprintId, name string, payload []byte) {
	m.events = append(m.events, Event{Emitter: emitter, Name: name, Payload: payload})
}

func (m *EventModule) Events() []Event { return m.events }
