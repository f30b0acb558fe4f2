// Package config loads zengraph process configuration and graph documents.
//
// Configuration is YAML decoded over DefaultConfig and checked with validator struct
// tags:
//
//	session:
//	  auto_run: true
//	  begin_frame: 1
//	  end_frame: 48
//	cache:
//	  dir: /var/tmp/zencache
//	  max_cached_frames: 8
//	  min_free_mb: 1024
//	store:
//	  path: runs.db
//
// Graph documents hold an asset table and the main graph. They are read from YAML, JSON
// or CUE, chosen by file extension, and validated against the #Document schema returned
// by Schema. CUE documents may use definitions as node templates; only their concrete
// regular fields are loaded.
package config
