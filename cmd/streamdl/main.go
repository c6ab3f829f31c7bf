package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"streamdl/internal/config"
	"streamdl/internal/engine"
	"streamdl/internal/logger"
)

var (
	flagSaveDir       string
	flagSaveName      string
	flagThreads       int
	flagHeaders       []string
	flagConfigPath    string
	flagLogLevel      string
	flagLogJSON       bool
	flagProxy         string
	flagTimeout       time.Duration
	flagKeys          []string
	flagMp4decrypt    string
	flagSingleKeyTool string
)

var rootCmd = &cobra.Command{
	Use:   "streamdl",
	Short: "Adaptive streaming (HLS/DASH) download engine",
}

var downloadCmd = &cobra.Command{
	Use:   "download <manifest-url>",
	Short: "Download a stream to a single output file per track",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

func init() {
	f := downloadCmd.Flags()
	f.StringVar(&flagSaveDir, "save-dir", "downloads", "Directory to save the downloaded file")
	f.StringVar(&flagSaveName, "save-name", "", "Name of the output file (without extension)")
	f.IntVar(&flagThreads, "thread-count", 0, "Number of concurrent download workers")
	f.StringArrayVarP(&flagHeaders, "header", "H", nil, `HTTP header (e.g. -H "Cookie: abc")`)
	f.StringVar(&flagConfigPath, "config", "", "Path to a YAML download profile")
	f.StringVar(&flagLogLevel, "log-level", "info", "Log level (error, warn, info, debug)")
	f.BoolVar(&flagLogJSON, "log-json", false, "Emit JSON logs instead of text")
	f.StringVar(&flagProxy, "proxy", "", "Proxy URL for all requests")
	f.DurationVar(&flagTimeout, "timeout", 0, "Per-request timeout")
	f.StringArrayVar(&flagKeys, "key", nil, "Container decryption key as kid:key or bare hex (repeatable)")
	f.StringVar(&flagMp4decrypt, "mp4decrypt", "", "Path to the mp4decrypt-style multi-key tool")
	f.StringVar(&flagSingleKeyTool, "single-key-tool", "", "Path to a single-key decryption tool")

	rootCmd.AddCommand(downloadCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadOptions merges the optional profile with flag overrides.
func loadOptions() (*config.Options, error) {
	opts := config.Default()
	if flagConfigPath != "" {
		var err error
		opts, err = config.Load(flagConfigPath)
		if err != nil {
			return nil, err
		}
	}

	if flagThreads > 0 {
		opts.Concurrency = flagThreads
	}
	if flagProxy != "" {
		opts.Proxy = flagProxy
	}
	if flagTimeout > 0 {
		opts.RequestTimeout = flagTimeout
	}
	if flagMp4decrypt != "" {
		opts.Mp4decryptPath = flagMp4decrypt
	}
	if flagSingleKeyTool != "" {
		opts.SingleKeyTool = flagSingleKeyTool
	}

	for _, h := range flagHeaders {
		k, v, found := strings.Cut(h, ":")
		if !found {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		opts.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	for _, ks := range flagKeys {
		ck, err := config.ParseKey(ks)
		if err != nil {
			return nil, err
		}
		opts.Keys = append(opts.Keys, ck)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	log := logger.New(os.Stderr, flagLogLevel, flagLogJSON)

	opts, err := loadOptions()
	if err != nil {
		return err
	}

	eng, err := engine.New(opts, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := eng.Download(ctx, engine.Params{
		URL:      args[0],
		SaveDir:  flagSaveDir,
		SaveName: flagSaveName,
		OnProgress: func(track string, done, total int) {
			fmt.Fprintf(os.Stderr, "\r%s: %d/%d segments", track, done, total)
			if done == total {
				fmt.Fprintln(os.Stderr)
			}
		},
	})
	if err != nil {
		return err
	}

	for _, t := range report.Tracks {
		if t.Err != nil && t.Artifact == nil {
			fmt.Printf("%s: rendition %s failed: %v\n", t.Type, t.RenditionID, t.Err)
			continue
		}
		state := "decrypted"
		if t.Artifact.Encrypted {
			state = "still encrypted"
		}
		fmt.Printf("%s: rendition %s (bandwidth %d), %d of %d segments, saved to %s (%s)\n",
			t.Type, t.RenditionID, t.Bandwidth, t.Succeeded, t.Total, t.Artifact.Path, state)
		if t.Err != nil {
			fmt.Printf("%s: warning: %v\n", t.Type, t.Err)
		}
	}

	if report.Failed() {
		return errors.New("all tracks failed")
	}
	return nil
}
