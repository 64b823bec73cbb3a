// Package backup copies one live database into another, page by page, while
// other connections keep reading and writing the source.
//
// # Sessions
//
// Every call to Copier.Copy validates the handles, opens one engine backup
// session and drives it through
//
//	idle -> opening -> stepping <-> retrying -> finalizing -> completed | failed
//
// Each step copies up to Config.BatchSize pages. Small batches release the
// source lock between steps so writers can get in; AllPages copies the whole
// database under a single read lock.
//
// # Lock contention
//
// A step that cannot get a lock fails with errclass.ErrTransientLock. The step
// is retried after RetryPolicy.Delay without losing the cursor. After
// RetryPolicy.MaxRetries consecutive failures the copy ends with
// errclass.ErrRetriesExhausted. Use Unbounded to wait forever, and a context
// deadline to bound the whole copy instead.
//
// # Consistency
//
// The destination only becomes visible as a complete copy when the last step
// finished. A failed or cancelled session is rolled back by the engine. When
// the source is written through another connection during a batched copy, the
// engine restarts from the first page, so the result reflects the source as
// of completion.
package backup
