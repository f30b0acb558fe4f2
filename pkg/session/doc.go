// Package session composes the graph engine into one application context.
//
// A Session owns the main graph, the asset table, the object registry of the last run,
// the frame cache and the current frame id. Edits are batched with nested API calls:
//
//	s.BeginAPICall()
//	// create nodes, set params, add links
//	err := s.EndAPICall(ctx) // runs once if AutoRun is set and the graph changed
//
// RunFrames plays a frame range into the frame cache, producing each frame by one run
// of the main graph at that frame id.
package session
