// Package main launches the federated learning coordinator: the server that
// enrolls clients, schedules training rounds, screens their model updates,
// and maintains the aggregated global model.
package main

import (
	"fmt"
	"os"

	joonix "github.com/joonix/log"
	"github.com/RavinduMendis/R25-039/coordinator/node"
	"github.com/RavinduMendis/R25-039/shared/cmd"
	"github.com/RavinduMendis/R25-039/shared/logutil"
	"github.com/RavinduMendis/R25-039/shared/version"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

func startCoordinator(cliCtx *cli.Context) error {
	coordinator, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	coordinator.Start()
	return nil
}

var appFlags = []cli.Flag{
	cmd.VerbosityFlag,
	cmd.DataDirFlag,
	cmd.ConfigFileFlag,
	cmd.CertsDirFlag,
	cmd.ControlHostFlag,
	cmd.ControlPortFlag,
	cmd.EnrollmentPortFlag,
	cmd.AdminHostFlag,
	cmd.AdminPortFlag,
	cmd.LogFileName,
	cmd.LogFormat,
}

func main() {
	app := cli.App{}
	app.Name = "coordinator"
	app.Usage = "launches a federated learning coordination server that enrolls clients and aggregates their model updates."
	app.Version = version.GetVersion()
	app.Flags = appFlags
	app.Action = startCoordinator
	app.Before = func(ctx *cli.Context) error {
		verbosity := ctx.String(cmd.VerbosityFlag.Name)
		level, err := logrus.ParseLevel(verbosity)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		format := ctx.String(cmd.LogFormat.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			// If persistent log files are written - we disable the log messages coloring because
			// the colors are ANSI codes and seen as Gibberish in the log files.
			formatter.DisableColors = ctx.String(cmd.LogFileName.Name) != ""
			logrus.SetFormatter(formatter)
		case "fluentd":
			logrus.SetFormatter(joonix.NewFormatter())
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		logFileName := ctx.String(cmd.LogFileName.Name)
		if logFileName != "" {
			if err := logutil.ConfigurePersistentLogging(logFileName); err != nil {
				log.WithError(err).Error("Failed to configuring logging to disk.")
			}
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
