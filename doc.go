// Package indexshard manages the lifecycle of a single index shard.
//
// An IndexShard owns one storage engine, drives it through recovery, gates
// every read and write against its lifecycle state and runs background
// maintenance (scheduled refresh, size-triggered flush) without racing a
// concurrent close.
//
// # Lifecycle
//
//	CREATED -> RECOVERING -> POST_RECOVERY -> STARTED -> RELOCATED -> CLOSED
//
// CLOSED is reachable from every state and is terminal. A recovery may be
// restarted while the shard is RECOVERING.
//
// # Quick Start
//
//	st := store.New(blobstore.NewLocalStore("./data/idx-0/index"))
//	shard, _ := indexshard.New("idx[0]", st,
//	    indexshard.WithTranslog(func(o *translog.Options) { o.Path = "./data/idx-0/translog" }),
//	)
//	defer shard.Close(ctx, "shutdown", true)
//
//	_ = shard.RecoverFromStore(ctx)
//	_ = shard.UpdateRoutingEntry(ctx, shard.RoutingEntry().MoveToStarted(), true)
//
//	res, _ := shard.Index(ctx, &engine.IndexOp{ID: "1", Source: []byte(`{"a":1}`)})
//
// # Recovery
//
// Recovery can also be driven step by step, e.g. when operations are shipped
// from a peer:
//
//	rs := indexshard.NewRecoveryState(shard.ShardID())
//	_, _ = shard.MarkAsRecovering("peer recovery", rs)
//	_ = shard.PrepareForIndexRecovery()
//	_ = shard.SkipTranslogRecovery(ctx)
//	_, _ = shard.PerformBatchRecovery(ctx, ops)
//	_ = shard.FinalizeRecovery(ctx)
//	_ = shard.PostRecovery("peer recovery done")
//
// # Errors
//
// Operations attempted in the wrong state fail with an *IllegalStateError
// (errors.Is(err, ErrIllegalState)). Data operations on a closed or failed
// engine return engine.ErrEngineClosed. Recovery failures are reported as
// *RecoveryFailedError.
package indexshard
