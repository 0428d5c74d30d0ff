package pvnet

import (
	"flag"
	"strconv"
)

// Logging convention in the `pvnet` package:
// glog.Errorf:
//     unrecoverable engine programming errors, e.g. an operation completed
//     twice by a handler
// glog.Warningf:
//     abnormal behavior that the engine recovers from, e.g. a handler panic
//     suppressed and converted to an operation error
// glog.V(1):
//     pv, channel and subscription lifecycle events (open, close, attach,
//     detach, subscribe)
// glog.V(2):
//     per-operation events (get, put, rpc, post, update delivery). These are
//     frequent; keep them behind verbosity so normal operation is silent.

// SetLogVerbosity configures glog to emit to stderr at verbosity `v`.
// Used by the daemon and by tests.
func SetLogVerbosity(v int) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", strconv.Itoa(v))
}
