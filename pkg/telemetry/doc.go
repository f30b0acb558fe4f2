// Package telemetry provides observability for zengraph: structured logging (zerolog),
// tracing (OpenTelemetry), metrics (Prometheus) and the observer registry consumed by
// UI layers.
//
// # Usage
//
// Initialize telemetry at process startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Engine components take a zerolog.Logger value and derive a component sub-logger:
//
//	logger := tel.Logger.Component("cache").Zerolog()
//
// # Tracing
//
// Each run gets a "graph.run" span; each node body invocation a "node.apply" child span
// carrying the node name, class and uuid path. Supported exporters are otlp, stdout and
// none.
//
// # Metrics
//
// Metrics live on a private registry exposed at /metrics by the CLI:
//
//   - zengraph_runs_total{status}
//   - zengraph_run_duration_seconds{status}
//   - zengraph_node_applies_total{class,status}
//   - zengraph_node_apply_duration_seconds{class}
//   - zengraph_errors_by_class_total{class}
//   - zengraph_cache_resident_frames
//   - zengraph_cache_evictions_total
//   - zengraph_cache_dumps_total{mode}
//   - zengraph_cache_disk_stalls_total
//
// # Observers
//
// Observers is a synchronous topic registry. Register returns an opaque token used to
// unregister:
//
//	token := tel.Observers.Register(telemetry.TopicNodeCreated, func(e telemetry.Event) {
//	    fmt.Println("created", e.Name)
//	})
//	defer tel.Observers.Unregister(token)
package telemetry
