package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/talkbridge/client"
	"github.com/guseggert/talkbridge/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:   "talkbridge",
		Usage:  "WebSocket server that pipes client audio into neolink talk",
		Flags:  serveFlags(),
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "send",
				Usage:  "stream raw audio from a file or stdin to a talkbridge server",
				Flags:  sendFlags(),
				Action: send,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(lvl))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

func serve(ctx *cli.Context) error {
	cfg, err := configFromFlags(ctx)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Infow("starting talkbridge",
		"Addr", cfg.ListenAddr(),
		"Neolink", cfg.NeolinkCmd,
		"Camera", cfg.CameraName,
		"NeolinkConfig", cfg.NeolinkConfig,
		"Volume", cfg.Volume,
	)

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, server.WithLogger(logger.Named("server")))
	err = srv.Run(sigCtx)
	if err != nil {
		return fmt.Errorf("running server: %w", err)
	}
	logger.Info("shut down cleanly")
	return nil
}

func send(ctx *cli.Context) error {
	logger, err := newLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(logger, ctx.String("url"))

	if wait := ctx.Duration("wait"); wait > 0 {
		waitCtx, cancel := context.WithTimeout(sigCtx, wait)
		err := c.WaitForServer(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("waiting for server: %w", err)
		}
	}

	var r io.Reader = os.Stdin
	if path := ctx.String("file"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening audio file: %w", err)
		}
		defer f.Close()
		r = f
	}

	talk, err := c.Talk(sigCtx)
	if err != nil {
		return err
	}
	start := time.Now()
	n, err := talk.Stream(sigCtx, r, ctx.Int("chunk-size"))
	if err != nil {
		talk.Close()
		return err
	}
	logger.Infow("sent audio", "Bytes", n, "Duration", time.Since(start))
	return talk.Close()
}
