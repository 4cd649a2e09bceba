// Command leech downloads a single torrent: it parses the .torrent file,
// announces to its tracker, and hands the peer list to the session
// supervisor, printing a colorized progress bar and summary.
//
// Grounded on the teacher's main.go (flag-free, os.Args-driven single
// binary), extended with flag-based tunables for the batching and
// session parameters spec.md §4.5/§4.6 expose.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/lvbealr/leech/internal/logx"
	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/peerid"
	"github.com/lvbealr/leech/internal/piecestore"
	"github.com/lvbealr/leech/internal/session"
	"github.com/lvbealr/leech/internal/supervisor"
	"github.com/lvbealr/leech/internal/tracker"
)

func main() {
	var (
		outputDir   = flag.String("out", ".", "directory to write the downloaded files into")
		storeDir    = flag.String("store", "", "directory for intermediate piece files (default: <out>/.leech-<name>)")
		listenPort  = flag.Uint("port", 6881, "port advertised to the tracker")
		batchSize   = flag.Int("batch-size", supervisor.DefaultConfig().BatchSize, "peers dialed per batch")
		maxBatches  = flag.Int("max-batches", supervisor.DefaultConfig().MaxBatches, "maximum number of batches to try")
		probeWindow = flag.Duration("probe-window", supervisor.DefaultConfig().ProbeWindow, "time to wait for a batch to prove itself live")
		pipeline    = flag.Int("pipeline-depth", session.DefaultConfig().PipelineDepth, "pieces a session may hold claimed at once")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: leech [flags] <path-to-torrent-file>\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(*outputDir, *storeDir, uint16(*listenPort), *batchSize, *maxBatches, *probeWindow, *pipeline, flag.Arg(0)); err != nil {
		printSummary(false, err)
		os.Exit(1)
	}
}

func run(outputDir, storeDir string, listenPort uint16, batchSize, maxBatches int, probeWindow time.Duration, pipelineDepth int, torrentPath string) error {
	start := time.Now()

	m, err := metainfo.Load(torrentPath)
	if err != nil {
		return fmt.Errorf("loading torrent: %w", err)
	}

	selfPeerID, err := peerid.Generate()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}
	logx.Info("leech: self peer-id %s", peerid.String(selfPeerID))

	peers, interval, err := tracker.Announce(m, selfPeerID, listenPort)
	if err != nil {
		return fmt.Errorf("announcing to tracker: %w", err)
	}
	logx.Info("leech: tracker returned %d peers, reannounce interval %ds", len(peers), interval)

	if storeDir == "" {
		storeDir = filepath.Join(outputDir, ".leech-"+m.Name)
	}
	store, err := piecestore.New(storeDir)
	if err != nil {
		return fmt.Errorf("opening piece store: %w", err)
	}

	cfg := supervisor.DefaultConfig()
	cfg.BatchSize = batchSize
	cfg.MaxBatches = maxBatches
	cfg.ProbeWindow = probeWindow
	cfg.SessionConfig.PipelineDepth = pipelineDepth

	bar := progressbar.NewOptions(m.NumPieces(),
		progressbar.OptionSetDescription(m.Name),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	sink := &barSink{bar: bar}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = supervisor.Run(ctx, cfg, peers, m.InfoHash, selfPeerID, m, store, outputDir, sink)
	fmt.Println()

	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	printSummary(true, nil, m.Name, m.TotalLength, elapsed, sink.peersUsed)
	return nil
}

// barSink adapts a progressbar.ProgressBar and a running peer tally to
// supervisor.ProgressSink.
type barSink struct {
	bar       *progressbar.ProgressBar
	peersUsed int
}

func (s *barSink) PieceCompleted(index, total int) {
	_ = s.bar.Add(1)
}

func (s *barSink) SessionOpened(addr string) {
	s.peersUsed++
	logx.Info("leech: opened session with %s", addr)
}

func (s *barSink) SessionFailed(addr string, reason session.FailReason, err error) {
	logx.Fail("leech: session with %s retired: %s (%v)", addr, reason, err)
}

func printSummary(ok bool, err error, args ...interface{}) {
	var msg string
	if ok {
		name, total, elapsed, peersUsed := args[0], args[1], args[2], args[3]
		msg = fmt.Sprintf("[green]download complete:[reset] %v (%v bytes) in %v using %v peers\n", name, total, elapsed, peersUsed)
	} else {
		msg = fmt.Sprintf("[red]download failed:[reset] %v\n", err)
	}

	c := colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: !term.IsTerminal(int(os.Stdout.Fd())),
		Reset:   true,
	}
	fmt.Print(c.Color(msg))
}
