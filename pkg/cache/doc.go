// Package cache implements the per-frame view object cache.
//
// Every played frame gets a record holding the objects exported by view nodes. Only
// MaxCachedFrames records keep their objects in memory; older frames are spilled to
// <Dir>/<frame %06d>/ as .zencache files, one per object class, plus a viewobjs.index
// mapping object ids to their current keys. Reading a spilled frame hydrates it and
// evicts the least recently used other frame.
//
// A .zencache file is:
//
//	"ZENCACHE" <ascii count> '\a' <key> '\a' ... <key> '\a'
//	<count+1 little-endian uint64 offsets, the last being the payload size>
//	<encoded objects in key order>
//
// A zero-byte file holds no objects. Malformed files yield cache corruption errors and
// mark the frame Broken.
package cache
