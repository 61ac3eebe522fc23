// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package synccursor persists the Matrix sync position across process
// restarts.
//
// A sync response is only as durable as its next_batch token: once a
// client syncs past an event with a token it later loses, the
// homeserver will never deliver that event again (and for encrypted
// rooms, the to-device messages it carried are gone for good). The
// Manager therefore persists each response's next_batch token before
// the response is exposed to the caller. A crash before the persist
// replays the same batch on restart; a crash after the persist but
// before the caller finishes handling the batch loses that batch's
// side effects. That trade is deliberate: a restarted process must
// never re-deliver a batch the previous run already marked consumed,
// because handlers downstream cannot undo arbitrary replays, while a
// handler that matters can be made idempotent against the narrow
// crash window.
//
// The Manager serializes token access with a mutex but is not a
// general concurrency tool: one goroutine should drive the sync loop.
package synccursor
