// Package assets manages user-defined node classes backed by template graphs.
//
// An asset declares typed inputs and outputs; its template graph carries one SubInput or
// SubOutput marker per declared param. Creating a node whose class is an asset name yields
// a subnet instance that either forks the template (independent, locked until edited) or
// shares it (edits go to the template). UpdateAssets applies schema changes to the
// template and resynchronises every live instance.
package assets
