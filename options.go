package gijiroku

import "log/slog"

// Option configures an Archive.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	dataDir      string
	indexDriver  string
	indexDSN     string
	logger       *slog.Logger
	version      string
	otelEndpoint string
	otelInsecure bool
	docs         DocumentStore
	idx          Index
}

// WithDataDir overrides the document store root from config
// (GIJIROKU_DATA_DIR env var).
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithIndexDriver overrides the index backend selection from config
// (GIJIROKU_INDEX_DRIVER env var): "sqlite" or "postgres".
func WithIndexDriver(driver string) Option {
	return func(o *resolvedOptions) { o.indexDriver = driver }
}

// WithIndexDSN overrides the index connection string from config
// (GIJIROKU_INDEX_DSN env var).
func WithIndexDSN(dsn string) Option {
	return func(o *resolvedOptions) { o.indexDSN = dsn }
}

// WithLogger sets the structured logger for the Archive.
// If not set, a logger at the configured level writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported to telemetry and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithOTELEndpoint enables OpenTelemetry export to the given OTLP HTTP
// endpoint. Overrides OTEL_EXPORTER_OTLP_ENDPOINT.
func WithOTELEndpoint(endpoint string, insecure bool) Option {
	return func(o *resolvedOptions) {
		o.otelEndpoint = endpoint
		o.otelInsecure = insecure
	}
}

// WithDocumentStore replaces the built-in filesystem document store.
func WithDocumentStore(ds DocumentStore) Option {
	return func(o *resolvedOptions) { o.docs = ds }
}

// WithIndex replaces the built-in structured index backends.
func WithIndex(idx Index) Option {
	return func(o *resolvedOptions) { o.idx = idx }
}
