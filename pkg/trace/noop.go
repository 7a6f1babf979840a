//go:build !tracing

package trace

// Enabled reports whether the file exporter is compiled in.
const Enabled = false

// NewFileExporter returns a no-op exporter when tracing is disabled.
func NewFileExporter(filePath string, opts ...FileExporterOption) (Exporter, error) {
	return &NoopExporter{}, nil
}
