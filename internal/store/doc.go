// Package store keeps the gateway's command and connection ledger.
//
// # Records
//
// Each identified connection becomes a Session row. Each command a client
// sends becomes a CommandRecord whose Outcome moves from "forwarded" to one
// of: succeeded, failed, timeout, agent_lost, client_gone. Commands the
// gateway refuses without contacting the agent (no agent, unknown method,
// duplicate id) are written once with outcome "rejected".
//
// # Writers
//
// The coordinator never writes directly. It hands records to a Recorder,
// which applies them on a background goroutine through a bounded queue.
// A full queue drops the write and counts it:
//
//	rec := store.NewRecorder(sqliteStore, store.DefaultQueueSize, logger)
//	defer rec.Close(ctx)
//
// # Backends
//
// SQLiteStore uses modernc.org/sqlite with WAL enabled. MockStore is an
// in-memory implementation for tests.
package store
