// Package formula resolves formula literals ("=<starlark>") of primitive params at a frame.
package formula
