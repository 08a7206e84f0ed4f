// Package main provides the entry point for the tapedeck CLI.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tapedeck/tapedeck/internal/audio"
	"github.com/tapedeck/tapedeck/internal/cache"
	"github.com/tapedeck/tapedeck/internal/config"
	"github.com/tapedeck/tapedeck/internal/fetch"
	"github.com/tapedeck/tapedeck/internal/history"
	"github.com/tapedeck/tapedeck/internal/playback"
	"github.com/tapedeck/tapedeck/internal/prefetch"
	"github.com/tapedeck/tapedeck/internal/resolve"
	"github.com/tapedeck/tapedeck/internal/track"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	cacheDirFlag string
	capacityFlag string
	depthFlag    int
	limitFlag    int
	verbose      bool

	rootCmd = &cobra.Command{
		Use:   "tapedeck [URL|QUERY]",
		Short: "Stream, cache and queue audio from the command line",
		Long: "\nTapedeck plays audio from URLs or free-text searches, caching" +
			"\ndownloads locally and prefetching upcoming queue entries.",
		SilenceErrors: false,
		SilenceUsage:  true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, strings.Join(args, " "))
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version

	rootCmd.Flags().StringVar(&cacheDirFlag, "cache-dir", "", "cache directory")
	rootCmd.Flags().StringVar(&capacityFlag, "cache-capacity", "", "cache size limit, e.g. 512MB")
	rootCmd.Flags().IntVar(&depthFlag, "prefetch", 0, "how many upcoming tracks to prefetch")
	rootCmd.Flags().IntVar(&limitFlag, "limit", 0, "max search results")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func run(cmd *cobra.Command, query string) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.WarnLevel)
	}
	log.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("cache-dir") {
		cfg.CacheDir = cacheDirFlag
	}
	if cmd.Flags().Changed("cache-capacity") {
		cfg.CacheCapacity = capacityFlag
	}
	if cmd.Flags().Changed("prefetch") {
		cfg.PrefetchDepth = depthFlag
	}
	if cmd.Flags().Changed("limit") {
		cfg.SearchLimit = limitFlag
	}

	capacity, err := cfg.CapacityBytes()
	if err != nil {
		return err
	}

	store, err := cache.New(cfg.CacheDir, capacity, logger.WithPrefix("cache"))
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	hist, err := history.Open(cfg.HistoryFile, logger.WithPrefix("history"))
	if err != nil {
		return err
	}

	extractor := resolve.NewYTDLP()
	resolver := resolve.NewResolver(extractor, cfg.SearchLimit, logger.WithPrefix("resolve"))

	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "tapedeck-scratch")
	}
	orch, err := fetch.New(fetch.Options{
		Cache:      store,
		Resolver:   resolver,
		Downloader: extractor,
		ScratchDir: scratch,
		OnProgress: func(ref track.Ref, done, total int64) {
			if total > 0 {
				fmt.Printf("\rdownloading %s / %s  ",
					humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)))
			} else {
				fmt.Printf("\rdownloading %s  ", humanize.Bytes(uint64(done)))
			}
		},
		Logger: logger.WithPrefix("fetch"),
	})
	if err != nil {
		return err
	}
	defer orch.Close() //nolint:errcheck

	pre := prefetch.NewManager(orch, cfg.PrefetchDepth, cfg.PrefetchWorkers, logger.WithPrefix("prefetch"))
	defer pre.Shutdown()

	device, err := audio.NewOtoDevice(audio.DefaultDeviceConfig())
	if err != nil {
		return err
	}
	defer device.Close() //nolint:errcheck

	queue, start, err := buildQueue(cmd.Context(), resolver, query)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	coord, err := playback.NewCoordinator(playback.Options{
		Fetcher:      orch,
		Device:       device,
		Prefetch:     pre,
		Pinner:       store,
		History:      hist,
		Logger:       logger.WithPrefix("playback"),
		PollInterval: cfg.PollInterval,
		OnProgress:   printProgress,
		OnError: func(meta track.Metadata, err error) {
			fmt.Printf("\ncould not play %s: %v\n", meta.Title, err)
		},
	})
	if err != nil {
		return err
	}
	defer coord.Shutdown()

	if err := coord.PlayQueue(queue, start); err != nil {
		return err
	}

	go watchIdle(coord, done)
	commandLoop(coord, hist, done)
	return nil
}

// buildQueue resolves the argument into a play queue. URLs resolve directly;
// anything else becomes a search the user picks from. Playlists expand into
// the whole queue.
func buildQueue(ctx context.Context, resolver *resolve.Resolver, query string) ([]track.Metadata, int, error) {
	resolved, err := resolver.Resolve(ctx, query)
	if err != nil {
		if errors.Is(err, resolve.ErrNotFound) {
			return nil, 0, fmt.Errorf("nothing found for %q", query)
		}
		return nil, 0, err
	}

	switch r := resolved.(type) {
	case resolve.DirectStream:
		return []track.Metadata{r.Meta}, 0, nil
	case resolve.ManagedDownload:
		return []track.Metadata{r.Meta}, 0, nil
	case resolve.SearchResults:
		if len(r.Tracks) == 0 {
			return nil, 0, fmt.Errorf("nothing found for %q", query)
		}
		if track.IsURL(query) {
			// Playlist: queue everything from the top.
			return r.Tracks, 0, nil
		}
		start, err := pickTrack(r.Tracks)
		if err != nil {
			return nil, 0, err
		}
		return r.Tracks, start, nil
	default:
		return nil, 0, fmt.Errorf("unexpected resolution %T", resolved)
	}
}

// pickTrack prompts for a search result. The queue continues from the pick so
// subsequent results play next.
func pickTrack(tracks []track.Metadata) (int, error) {
	for i, meta := range tracks {
		fmt.Printf("%2d. %s\n", i+1, meta.String())
	}
	fmt.Print("play which track? ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return 0, errors.New("no selection")
	}
	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || n < 1 || n > len(tracks) {
		return 0, fmt.Errorf("pick a number between 1 and %d", len(tracks))
	}
	return n - 1, nil
}

func printProgress(p playback.Progress) {
	pos := track.FormatDuration(int(p.PositionMillis / 1000))
	dur := track.FormatDuration(int(p.DurationMillis / 1000))
	marker := "▶"
	if p.State == playback.StatePaused {
		marker = "⏸"
	}
	fmt.Printf("\r%s %s  %s / %s          ", marker, p.Track.Title, pos, dur)
}

// watchIdle announces when the queue plays out. The command loop stays open
// so history and quit still work.
func watchIdle(coord *playback.Coordinator, done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if coord.State() == playback.StateIdle {
				fmt.Println("\nqueue finished (q to quit)")
				return
			}
		}
	}
}

func commandLoop(coord *playback.Coordinator, hist *history.File, done chan struct{}) {
	defer close(done)

	fmt.Println("commands: n(ext), b(ack), p(ause), s(top), h(istory), h <n> replays, q(uit)")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(strings.ToLower(scanner.Text()))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "n", "next":
			coord.Next()
		case "b", "back", "prev":
			coord.Prev()
		case "p", "pause":
			coord.TogglePause()
		case "s", "stop":
			coord.Stop()
		case "h", "history":
			if len(fields) > 1 {
				playFromHistory(coord, hist, fields[1])
			} else {
				printHistory(hist)
			}
		case "q", "quit", "exit":
			return
		default:
			fmt.Println("commands: n(ext), b(ack), p(ause), s(top), h(istory), h <n> replays, q(uit)")
		}
	}
}

// playFromHistory replays entry n of the listing as a one-track queue. The
// bytes are fetched again through the normal pipeline; a warm cache makes it
// instant.
func playFromHistory(coord *playback.Coordinator, hist *history.File, arg string) {
	entries := hist.Entries()
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(entries) {
		fmt.Printf("pick a history entry between 1 and %d\n", len(entries))
		return
	}
	meta := entries[n-1].Metadata()
	if err := coord.PlayQueue([]track.Metadata{meta}, 0); err != nil {
		fmt.Printf("could not replay %s: %v\n", meta.Title, err)
	}
}

func printHistory(hist *history.File) {
	entries := hist.Entries()
	if len(entries) == 0 {
		fmt.Println("\nno plays recorded yet")
		return
	}
	fmt.Println()
	for i, e := range entries {
		if i >= 10 {
			break
		}
		fmt.Printf("%2d. %s - %s (%s)\n", i+1, e.Artist, e.Title, humanize.Time(e.PlayedAt))
	}
}
