package observability

// noopLogger discards every message. Useful in tests that do not assert
// on log output.
type noopLogger struct{}

// NewNoopLogger returns a Logger that discards all messages.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (n *noopLogger) Debug(msg string, fields map[string]interface{}) {}
func (n *noopLogger) Info(msg string, fields map[string]interface{})  {}
func (n *noopLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *noopLogger) Error(msg string, fields map[string]interface{}) {}

func (n *noopLogger) WithPrefix(prefix string) Logger { return n }
func (n *noopLogger) With(fields map[string]interface{}) Logger { return n }
