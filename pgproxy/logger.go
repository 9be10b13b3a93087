package pgproxy

import scanUtils "github.com/siemens/GoScans/utils"

// Logger is the structured log sink the core consumes. It is fulfilled by
// github.com/siemens/GoScans/utils.Logger, the same interface shape the
// teacher proxy this package is derived from uses, so any cmd-level adapter
// built against that package works here unchanged.
type Logger = scanUtils.Logger

// tracer is an optional extension a Logger may implement to receive the
// chattiest per-chain diagnostics (the TRACE verbosity level). It is not part
// of Logger itself because most log sinks, including plain stdlib wrappers,
// have no use for traffic this granular.
type tracer interface {
	Tracef(format string, v ...interface{})
}

// tracef emits a trace-level message if logger implements tracer, and is a
// silent no-op otherwise.
func tracef(logger Logger, format string, v ...interface{}) {
	if t, ok := logger.(tracer); ok {
		t.Tracef(format, v...)
	}
}
