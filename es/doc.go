// Package es provides core event sourcing infrastructure.
//
// # Overview
//
// This package defines the fundamental types and interfaces of the runtime:
//   - Event / PersistedEvent: immutable domain events
//   - Stream: the ordered event sequence of one aggregate instance
//   - ExpectedVersion: optimistic concurrency tokens (Exact / NoStream / Any)
//   - DBTX: database transaction abstraction
//   - Logger: optional structured logging hook
//
// # Design
//
// Core interfaces are database-agnostic. Infrastructure concerns (PostgreSQL,
// SQLite) are isolated in adapter packages under es/adapters.
//
// The runtime uses DBTX instead of managing transactions itself. This gives
// callers full control over transaction boundaries: an append, the inline
// projections it triggers, and the outbox batch it produces all commit - or
// roll back - as one unit.
//
// Events are value objects. They gain identity (a global position and a
// stream version) only when persisted by the event store.
//
// # Structure
//
//	es            - core types
//	es/store      - event store interfaces and sentinel errors
//	es/codec      - event type registry (payload <-> type string)
//	es/projection - inline and async projection contracts and processing
//	es/outbox     - commit-scoped message batches and delivery policies
//	es/readmodel  - document store for projection-owned read models
//	es/adapters   - PostgreSQL and SQLite implementations
//	es/migrations - schema generation for the runtime tables
package es
