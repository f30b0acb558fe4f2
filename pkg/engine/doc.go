// Package engine provides the error taxonomy and status enums shared by every zengraph component.
//
// # Overview
//
// zengraph evaluates a graph of computation nodes once per animation frame. Nodes are
// recomputed lazily: a node is only applied while its dirty flag is set, inputs are pulled
// depth-first from upstream nodes, and results destined for display are stored per frame in
// a bounded frame cache that spills to disk.
//
// # Error Classification
//
// Errors are classified so callers can decide whether to abort or continue:
//
//   - Structural: a graph mutation was rejected (type mismatch, missing node, cycle)
//   - Evaluation: a node body failed; the enclosing run is aborted
//   - CacheCorruption: a cache file is unreadable; the frame may be marked broken
//   - Interrupted: the session interrupt flag was observed at a pull boundary
//
// Disk pressure is not an error: the frame cache blocks until space is reclaimed.
//
//	if engine.IsEvaluation(err) {
//	    log.Error().Str("node", engine.NodeOf(err)).Msg("run aborted")
//	}
//
// # Status Tracking
//
//   - NodeStatus: pending -> running -> succeeded
//   - FrameState: unfinished -> completed -> broken
//   - RunStatus: running -> succeeded | failed | interrupted
package engine
