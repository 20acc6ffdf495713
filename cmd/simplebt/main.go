package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/WendelHime/simplebt/internal/decoder"
	"github.com/WendelHime/simplebt/internal/engine"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <port> <torrentFile>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		logPath       string
		logLevel      string
		outputDir     string
		peerID        string
		listenHost    string
		announceIP    string
		maxInFlight   int
		trustExisting bool
		keepSeeding   bool
		quiet         bool
	)
	flag.StringVar(&logPath, "log", "simplebt.log", "Specify the log file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flag.StringVar(&outputDir, "output", ".", "Specify the output directory")
	flag.StringVar(&peerID, "peer-id", "", "20 character peer id, random when empty")
	flag.StringVar(&listenHost, "listen", "127.0.0.1", "Address to accept peers on")
	flag.StringVar(&announceIP, "announce-ip", "127.0.0.1", "IP reported to the tracker")
	flag.IntVar(&maxInFlight, "max-in-flight", 1, "Outstanding piece requests per peer")
	flag.BoolVar(&trustExisting, "trust-existing", false, "Treat a correctly sized output file as complete without verifying it")
	flag.BoolVar(&keepSeeding, "seed", false, "Keep seeding after the download completes")
	flag.BoolVar(&quiet, "quiet", false, "Hide the progress bar")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(flag.Arg(0), flag.Arg(1), logPath, logLevel, engine.Config{
		ListenHost:    listenHost,
		AnnounceIP:    announceIP,
		PeerID:        peerID,
		OutputDir:     outputDir,
		MaxInFlight:   maxInFlight,
		TrustExisting: trustExisting,
		KeepSeeding:   keepSeeding,
		DialTimeout:   5 * time.Second,
	}, quiet); err != nil {
		fmt.Fprintln(os.Stderr, "simplebt:", err)
		os.Exit(1)
	}
}

func run(portArg, torrentPath, logPath, logLevel string, cfg engine.Config, quiet bool) error {
	port, err := strconv.ParseUint(portArg, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portArg, err)
	}
	cfg.Port = uint16(port)

	var level slog.Level
	if err = level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	// Create a new logger and generate log file
	logOut, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	f, err := os.Open(torrentPath)
	if err != nil {
		return err
	}
	meta, err := decoder.NewDecoder().Decode(f)
	f.Close()
	if err != nil {
		logger.Error("failed to decode torrent", slog.String("path", torrentPath), slog.Any("error", err))
		return err
	}

	if !quiet {
		cfg.Progress = os.Stderr
	}
	e, err := engine.New(meta, cfg, logger)
	if err != nil {
		logger.Error("failed to start engine", slog.Any("error", err))
		return err
	}
	logger.Info("listening", slog.String("addr", e.Addr().String()), slog.String("info_hash", meta.InfoHash.String()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return e.Run(ctx)
}
