// Package cmd defines the command line flags shared by the coordinator
// binaries.
package cmd

import (
	"github.com/urfave/cli/v2"
)

var (
	// VerbosityFlag defines the logrus configuration.
	VerbosityFlag = &cli.StringFlag{
		Name:    "verbosity",
		Usage:   "Logging verbosity (trace, debug, info=default, warn, error, fatal, panic)",
		Value:   "info",
		EnvVars: []string{"FLCS_VERBOSITY"},
	}
	// DataDirFlag defines a path on disk for the coordinator databases.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the client registry, blocklist, metrics and model snapshots",
		Value: DefaultDataDir(),
	}
	// ConfigFileFlag points at the JSON configuration file.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "Path to a JSON file with the federated learning configuration",
	}
	// CertsDirFlag defines where the CA and server key material lives.
	CertsDirFlag = &cli.StringFlag{
		Name:  "certs-dir",
		Usage: "Directory holding ca.crt, ca.key, server.crt and server.key",
		Value: "certifications",
	}
	// ControlHostFlag defines the host for the mTLS control channel.
	ControlHostFlag = &cli.StringFlag{
		Name:  "control-host",
		Usage: "Host on which the mTLS control channel listens",
		Value: "0.0.0.0",
	}
	// ControlPortFlag defines the port for the mTLS control channel.
	ControlPortFlag = &cli.IntFlag{
		Name:  "control-port",
		Usage: "Port on which the mTLS control channel listens",
		Value: 50051,
	}
	// EnrollmentPortFlag defines the port for the plaintext enrollment channel.
	EnrollmentPortFlag = &cli.IntFlag{
		Name:  "enrollment-port",
		Usage: "Port on which the plaintext enrollment channel listens",
		Value: 50052,
	}
	// AdminHostFlag defines the host for the admin REST gateway.
	AdminHostFlag = &cli.StringFlag{
		Name:  "admin-host",
		Usage: "Host on which the admin REST gateway listens",
		Value: "127.0.0.1",
	}
	// AdminPortFlag defines the port for the admin REST gateway.
	AdminPortFlag = &cli.IntFlag{
		Name:  "admin-port",
		Usage: "Port on which the admin REST gateway listens",
		Value: 8080,
	}
	// LogFileName specifies the log file name, relative or absolute.
	LogFileName = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Specify log file name, relative or absolute",
	}
	// LogFormat specifies the log output format.
	LogFormat = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json, fluentd",
		Value: "text",
	}
)
