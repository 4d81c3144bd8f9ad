// Package observability provides Prometheus metrics functionality for monitoring the chestnet application.
package observability

import "github.com/chestnet/chestnet-go/internal/logging"

// Package-level cached logger instance for efficiency.
// All logging in this package should use this variable.
var logger = logging.ForService("observability")
