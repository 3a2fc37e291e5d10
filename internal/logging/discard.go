package logging

// DiscardLogger is a no-op logger.
type DiscardLogger struct{}

// Discard is the singleton discard logger.
var Discard Logger = &DiscardLogger{}

// Errorf implements Logger.
func (l *DiscardLogger) Errorf(format string, args ...any) {}

// Warnf implements Logger.
func (l *DiscardLogger) Warnf(format string, args ...any) {}

// Infof implements Logger.
func (l *DiscardLogger) Infof(format string, args ...any) {}

// Debugf implements Logger.
func (l *DiscardLogger) Debugf(format string, args ...any) {}

// Fatalf implements Logger. The message is dropped; callers still return
// an error wrapping ErrFatal.
func (l *DiscardLogger) Fatalf(format string, args ...any) {}
