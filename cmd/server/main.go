// readaloud server: collects spoken recordings of prompts, level by level.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuitang/readaloud/internal/api"
	"github.com/kuitang/readaloud/internal/config"
	"github.com/kuitang/readaloud/internal/db"
	"github.com/kuitang/readaloud/internal/gcsclient"
	"github.com/kuitang/readaloud/internal/levels"
	"github.com/kuitang/readaloud/internal/logutil"
	"github.com/kuitang/readaloud/internal/obs"
	"github.com/kuitang/readaloud/internal/progress"
	"github.com/kuitang/readaloud/internal/prompts"
	"github.com/kuitang/readaloud/internal/ratelimit"
	"github.com/kuitang/readaloud/internal/s3client"
	"github.com/kuitang/readaloud/internal/upload"
)

const shutdownTimeout = 15 * time.Second

func main() {
	obs.Init()
	logger := obs.Pkg("main")

	noS3, noSheet, addr := config.ParseFlags()
	cfg, err := config.LoadConfig(noS3, noSheet, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg.PrintStartupSummary()
	logutil.SetHashSalt(cfg.LogHashSalt)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// app holds everything the server wires together, so tests can build it
// without listening.
type app struct {
	store   *db.Store
	handler http.Handler
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		obs.Pkg("main").Info("listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	obs.Pkg("main").Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := db.Open(db.Options{Path: cfg.DatabasePath, Key: cfg.DatabaseKeyBytes()})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	source, err := buildPromptSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	objects, closeObjects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeObjects)

	assigner := levels.NewAssigner(store, prompts.NewCoalescing(source), cfg.PromptsPerLevel)
	engine := progress.NewEngine(store, assigner, progress.Options{
		ScriptsPerLevel:   cfg.PromptsPerLevel,
		CASKey:            db.CASKey(cfg.ProgressCASKey),
		StrictPromptCheck: cfg.StrictPromptCheck,
	})
	uploads := upload.NewCoordinator(objects, store, engine, upload.Options{
		Prefix:   cfg.RecordingsPrefix,
		MaxBytes: cfg.MaxUploadBytes,
	})

	limiter := ratelimit.NewRateLimiter(cfg.RateLimitConfig)
	a.closers = append(a.closers, limiter.Stop)

	a.handler = api.NewHandler(engine, uploads, store, limiter).Routes()
	ok = true
	return a, nil
}

// buildPromptSource returns the Google Sheet, or with --no-sheet the prompt
// file or the built-in samples.
func buildPromptSource(ctx context.Context, cfg *config.Config) (prompts.Source, error) {
	if cfg.NoSheet {
		if cfg.PromptFile != "" {
			return prompts.NewFileSource(cfg.PromptFile)
		}
		return prompts.NewStaticSource(samplePrompts), nil
	}
	sheetsCfg := prompts.SheetsConfig{
		SpreadsheetID: cfg.PromptSheetID,
		Tab:           cfg.PromptSheetTab,
		Column:        cfg.PromptSheetColumn,
	}
	if isInlineJSON(cfg.GoogleCredentials) {
		sheetsCfg.CredentialsJSON = []byte(cfg.GoogleCredentials)
	} else {
		sheetsCfg.CredentialsFile = cfg.GoogleCredentials
	}
	return prompts.NewSheetsSource(ctx, sheetsCfg)
}

// buildObjectStore returns the recording backend and its cleanup.
func buildObjectStore(ctx context.Context, cfg *config.Config) (upload.ObjectStore, func(), error) {
	if cfg.NoS3 {
		client, fake, err := s3client.StartFake(ctx, cfg.BucketName)
		if err != nil {
			return nil, nil, fmt.Errorf("start in-memory s3: %w", err)
		}
		return client, fake.Close, nil
	}
	switch cfg.ObjectStore {
	case config.ObjectStoreGCS:
		client, err := gcsclient.New(ctx, gcsclient.Config{
			Bucket:        cfg.BucketName,
			PublicBaseURL: cfg.GCSPublicBaseURL,
			EmulatorHost:  cfg.StorageEmulatorHost,
			Credentials:   cfg.GoogleCredentials,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	default:
		client, err := s3client.New(ctx, s3client.Config{
			Endpoint:        cfg.AWSEndpointS3,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			BucketName:      cfg.BucketName,
			PublicURL:       cfg.S3PublicURL,
			UsePathStyle:    cfg.AWSEndpointS3 != "",
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	}
}

func isInlineJSON(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// samplePrompts back --no-sheet when no PROMPT_FILE is given: Harvard
// sentences, five levels of four.
var samplePrompts = []string{
	"The birch canoe slid on the smooth planks.",
	"Glue the sheet to the dark blue background.",
	"It's easy to tell the depth of a well.",
	"These days a chicken leg is a rare dish.",
	"Rice is often served in round bowls.",
	"The juice of lemons makes fine punch.",
	"The box was thrown beside the parked truck.",
	"The hogs were fed chopped corn and garbage.",
	"Four hours of steady work faced us.",
	"A large size in stockings is hard to sell.",
	"The boy was there when the sun rose.",
	"A rod is used to catch pink salmon.",
	"The source of the huge river is the clear spring.",
	"Kick the ball straight and follow through.",
	"Help the woman get back to her feet.",
	"A pot of tea helps to pass the evening.",
	"Smoky fires lack flame and heat.",
	"The soft cushion broke the man's fall.",
	"The salt breeze came across from the sea.",
	"The girl at the booth sold fifty bonds.",
}
