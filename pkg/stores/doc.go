// Package stores persists the run ledger of a zengraph session in SQLite: one row per
// run of the main graph, one row per frame of the frame cache and an append-only log of
// observer events. The schema is applied with golang-migrate from embedded migrations.
package stores
