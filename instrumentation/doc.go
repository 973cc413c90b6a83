// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization engine.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "idp-oauth",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MetricReader:   reader,   // e.g. a periodic OTLP reader
//		SpanExporter:   exporter, // e.g. an OTLP span exporter
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// When Enabled is false the no-op providers are used.
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Flows:
//   - oauth.authorization.requests{tenant_id, profile, accepted}
//   - oauth.token.issued{tenant_id, grant_type}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{client_id}
//   - oauth.token.introspected{active}
//   - oauth.ciba.requests{tenant_id, delivery_mode}
//   - oauth.ciba.polls{outcome}
//
// Security:
//   - oauth.client_auth.failures{method}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.client_assertion.replay_detected
//
// Configuration:
//   - oauth.config_cache.lookups{kind, hit}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.size.tokens, storage.size.codes, storage.size.ciba_grants
//
// # Cardinality
//
// client_id and tenant_id labels grow with the number of registered clients
// and tenants. Deployments with many thousands of clients should aggregate
// with recording rules or drop those labels in a metric view.
//
// # Security Considerations
//
// Traces and metrics carry metadata only. Token values, authorization codes,
// auth_req_ids and client secrets are never recorded. Client IP addresses are
// only attached to spans when Config.LogClientIPs is set.
package instrumentation
