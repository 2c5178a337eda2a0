// Command contribute records against a readaloud server from the terminal:
// it signs in, shows the prompt due next, optionally uploads a take for it,
// and can keep watching the session until another device takes it over.
//
// Usage:
//
//	contribute -server http://localhost:8080 -username alice [-audio take.wav] [-watch]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kuitang/readaloud/internal/client"
	"github.com/kuitang/readaloud/internal/levels"
	"github.com/kuitang/readaloud/internal/obs"
	"github.com/kuitang/readaloud/internal/progress"
)

type options struct {
	server   string
	username string
	session  string
	audio    string
	count    int
	watch    bool
	interval time.Duration
}

func main() {
	obs.Init()

	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "readaloud server base URL")
	flag.StringVar(&opts.username, "username", "", "contributor username (required)")
	flag.StringVar(&opts.session, "session", "", "session id to resume (default: server-assigned)")
	flag.StringVar(&opts.audio, "audio", "", "audio file to upload for the current prompt")
	flag.IntVar(&opts.count, "count", 1, "number of upcoming prompts to show")
	flag.BoolVar(&opts.watch, "watch", false, "keep running until the session is taken over")
	flag.DurationVar(&opts.interval, "interval", 30*time.Second, "session check interval for -watch")
	flag.Parse()

	if opts.username == "" {
		fmt.Fprintln(os.Stderr, "contribute: -username is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, client.New(opts.server, nil), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "contribute: %v\n", err)
		if errors.Is(err, progress.ErrSessionInvalidated) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, opts options, out io.Writer) error {
	p, err := c.Resolve(ctx, opts.username, opts.session)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	fmt.Fprintf(out, "user %s  level %d  done %d  session %s\n",
		p.Username, p.CurrentLevel, p.ScriptsCompletedInLevel, p.SessionID)

	next, err := c.NextPrompt(ctx, p.UserID, p.SessionID, p.CurrentLevel, opts.count)
	if err != nil {
		return fmt.Errorf("next prompt: %w", err)
	}
	if next.LevelComplete {
		fmt.Fprintf(out, "level %d complete\n", next.Level)
	}
	for i, prompt := range next.Prompts {
		marker := " "
		if i == 0 {
			marker = ">"
		}
		fmt.Fprintf(out, "%s [%d/%d] #%d %s\n", marker,
			prompt.IndexWithinLevel+1, next.TotalInLevel, prompt.ExternalIndex, prompt.Text)
	}

	if opts.audio != "" && next.Current() != nil {
		if err := uploadTake(ctx, c, p.UserID, p.SessionID, next.Level, p.Version, *next.Current(), opts.audio, out); err != nil {
			return err
		}
	}

	if !opts.watch {
		return nil
	}
	return watch(ctx, c, p.UserID, p.SessionID, opts.interval, out)
}

func uploadTake(ctx context.Context, c *client.Client, userID, sessionID string, level int, version int64,
	prompt levels.Prompt, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	res, err := c.Upload(ctx, client.Take{
		UserID:           userID,
		SessionID:        sessionID,
		Level:            level,
		OriginalRowIndex: prompt.ExternalIndex,
		PromptText:       prompt.Text,
		ExpectedVersion:  &version,
		Filename:         filepath.Base(path),
		Audio:            f,
	})
	if client.IsConflict(err) {
		fmt.Fprintln(out, "progress moved on in another tab; take kept, not counted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	fmt.Fprintf(out, "uploaded %s\n", res.ObjectURL)
	if pr := res.Progress; pr != nil {
		fmt.Fprintf(out, "level %d  done %d  version %d\n", pr.CurrentLevel, pr.ScriptsCompletedInLevel, pr.Version)
		if pr.LevelComplete {
			fmt.Fprintln(out, "level complete")
		}
	}
	return nil
}

func watch(ctx context.Context, c *client.Client, userID, sessionID string, interval time.Duration, out io.Writer) error {
	invalidated := make(chan struct{})
	w := client.NewWatcher(c, userID, sessionID, interval, func() { close(invalidated) })
	w.Start(ctx)
	defer w.Stop()

	fmt.Fprintln(out, "watching session; Ctrl-C to quit")
	select {
	case <-invalidated:
		return fmt.Errorf("signed in elsewhere: %w", progress.ErrSessionInvalidated)
	case <-ctx.Done():
		return nil
	}
}
