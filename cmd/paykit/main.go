package main

import (
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"
)

var zlog, _ = logging.PackageLogger("paykit", "github.com/nuwa-protocol/payment-kit-go/cmd/paykit")
var version = "dev"

func init() {
	logging.InstantiateLoggers(logging.WithDefaultLevel(zap.ErrorLevel))
}

func main() {
	Run(
		"paykit",
		"Nuwa payment channel toolkit CLI",
		ConfigureVersion(version),
		OnCommandErrorLogAndExit(zlog),

		serveCmd,

		Group(
			"client",
			"Payer-side commands",
			clientDiscoverCmd,
			clientHealthCmd,
			clientCallCmd,
			clientCommitCmd,
		),

		Group(
			"admin",
			"Admin commands against a running payee service",
			adminStatusCmd,
			adminClaimTriggerCmd,
		),
	)
}
