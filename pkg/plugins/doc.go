// Package plugins registers node classes whose body is a WebAssembly function.
//
// A plugin is a YAML manifest next to a .wasm module:
//
//	class: Falloff
//	category: numeric
//	function: apply
//	inputs:
//	  - name: distance
//	  - name: radius
//	    default: 1
//	output: weight
//
// The exported function receives one f64 per input, in declaration order, and returns
// a single f64 that becomes the float output. Modules run in a wazero runtime with WASI
// available and a per-module memory limit.
package plugins
