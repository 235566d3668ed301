package main

import (
	"fmt"
	"os"

	"github.com/guseggert/talkbridge/client"
	"github.com/guseggert/talkbridge/config"
	"github.com/guseggert/talkbridge/internal/files"
	"github.com/urfave/cli/v2"
)

func envVar(name string) []string {
	return []string{"TALKBRIDGE_" + name}
}

func serveFlags() []cli.Flag {
	d := config.Default()
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to a YAML config file. Flags that are set override its values. Defaults to the nearest " + config.FileName + ".",
			EnvVars: envVar("CONFIG"),
		},
		&cli.StringFlag{
			Name:    "listen-host",
			Usage:   "The host to listen on.",
			Value:   d.ListenHost,
			EnvVars: envVar("LISTEN_HOST"),
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "Port to run the WebSocket server on.",
			Value:   d.Port,
			EnvVars: envVar("PORT"),
		},
		&cli.StringFlag{
			Name:    "neolink-cmd",
			Usage:   "Path to the neolink executable.",
			Value:   d.NeolinkCmd,
			EnvVars: envVar("NEOLINK_CMD"),
		},
		&cli.StringFlag{
			Name:    "camera-name",
			Usage:   "Name of the camera to connect to.",
			Value:   d.CameraName,
			EnvVars: envVar("CAMERA_NAME"),
		},
		&cli.StringFlag{
			Name:    "neolink-config",
			Usage:   "Path to the neolink configuration file.",
			Value:   d.NeolinkConfig,
			EnvVars: envVar("NEOLINK_CONFIG"),
		},
		&cli.Float64Flag{
			Name:    "volume",
			Usage:   "Audio volume (0.0-1.0).",
			Value:   d.Volume,
			EnvVars: envVar("VOLUME"),
		},
		&cli.DurationFlag{
			Name:    "watchdog-interval",
			Usage:   "How often each session checks whether neolink is still running.",
			Value:   d.WatchdogInterval,
			EnvVars: envVar("WATCHDOG_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "write-timeout",
			Usage:   "Maximum time to block writing one frame to neolink's stdin. 0 disables the timeout.",
			Value:   d.WriteTimeout,
			EnvVars: envVar("WRITE_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "kill-grace",
			Usage:   "How long neolink gets to exit after SIGTERM before it is killed.",
			Value:   d.KillGrace,
			EnvVars: envVar("KILL_GRACE"),
		},
		&cli.StringFlag{
			Name:    "tls-cert",
			Usage:   "TLS certificate file. Serves wss:// when set together with --tls-key.",
			EnvVars: envVar("TLS_CERT"),
		},
		&cli.StringFlag{
			Name:    "tls-key",
			Usage:   "TLS key file.",
			EnvVars: envVar("TLS_KEY"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "One of [debug,info,warn,error].",
			Value:   d.LogLevel,
			EnvVars: envVar("LOG_LEVEL"),
		},
	}
}

func sendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "url",
			Usage: "Base URL of the talkbridge server.",
			Value: "http://localhost:8585",
		},
		&cli.StringFlag{
			Name:  "file",
			Usage: "Raw audio file to send, or - for stdin.",
			Value: "-",
		},
		&cli.IntFlag{
			Name:  "chunk-size",
			Usage: "Size in bytes of each binary frame.",
			Value: client.DefaultChunkSize,
		},
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "Wait up to this long for the server to become healthy before sending.",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "One of [debug,info,warn,error].",
			Value: "info",
		},
	}
}

// configFromFlags builds the config from the defaults, then the config file if there is one, then any flags that were set.
func configFromFlags(ctx *cli.Context) (*config.Config, error) {
	path := ctx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		path, err = files.FindUp(config.FileName, wd)
		if err != nil {
			return nil, fmt.Errorf("looking for %s: %w", config.FileName, err)
		}
	}

	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	stringFlags := map[string]*string{
		"listen-host":    &cfg.ListenHost,
		"neolink-cmd":    &cfg.NeolinkCmd,
		"camera-name":    &cfg.CameraName,
		"neolink-config": &cfg.NeolinkConfig,
		"tls-cert":       &cfg.TLSCert,
		"tls-key":        &cfg.TLSKey,
		"log-level":      &cfg.LogLevel,
	}
	for name, p := range stringFlags {
		if ctx.IsSet(name) {
			*p = ctx.String(name)
		}
	}
	if ctx.IsSet("port") {
		cfg.Port = ctx.Int("port")
	}
	if ctx.IsSet("volume") {
		cfg.Volume = ctx.Float64("volume")
	}
	if ctx.IsSet("watchdog-interval") {
		cfg.WatchdogInterval = ctx.Duration("watchdog-interval")
	}
	if ctx.IsSet("write-timeout") {
		cfg.WriteTimeout = ctx.Duration("write-timeout")
	}
	if ctx.IsSet("kill-grace") {
		cfg.KillGrace = ctx.Duration("kill-grace")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
