package integration

import (
	"github.com/streamingfast/logging"
)

var zlog, tracer = logging.PackageLogger("integration_tests", "github.com/nuwa-protocol/payment-kit-go/test/integration")

func init() {
	logging.InstantiateLoggers()
}
