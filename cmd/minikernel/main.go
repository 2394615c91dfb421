package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/soypat/minikernel/internal/config"
)

//nolint:gochecknoglobals
var (
	ExitCode = 0

	configFile = flag.String("config", "", "YAML configuration file")
	envFile    = flag.String("env", ".env", "dotenv file with MINIKERNEL_* overrides")
	imagePath  = flag.String("image", "", "floppy image, overrides the configured one")
)

func setupLogging(cfg config.Config) {
	level, _ := cfg.Level()
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    cfg.NoColor,
		}),
	))
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: minikernel [flags] <command> [args]

commands:
  format              write an empty 1.44MB floppy image
  info                print the boot sector and cluster usage
  ls [DIR]            list the root directory or DIR
  cat PATH            write a file to stdout
  put SRC PATH        copy the host file SRC into the image
  rm PATH             delete a file
  mkdir DIR           create a directory in the root directory
  rmdir DIR           delete an empty directory
  sum PATH...         print BLAKE3 digests of files
  check               verify the allocation table
  run [N] [ROUNDS]    run N cooperative processes yielding ROUNDS times

flags:
`)
	flag.PrintDefaults()
}

func main() {
	defer func() {
		os.Exit(ExitCode)
	}()

	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configFile, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		ExitCode = 2

		return
	}
	if *imagePath != "" {
		cfg.Image = *imagePath
	}
	setupLogging(cfg)

	app := NewApp(cfg, os.Stdout, slog.Default())
	if err := app.Run(flag.Args()); err != nil {
		slog.Error("Command failed.",
			"err", err,
		)
		ExitCode = 1
	}
}
