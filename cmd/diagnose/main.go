/**
 * One-shot diagnosis CLI
 *
 * Runs the worker pipeline against a single screenshot and prints the
 * diagnosis as JSON. Configuration comes from the same environment
 * variables as the worker. With -show, prints a diagnosis the worker
 * already stored in DATABASE_URL instead.
 *
 * Exit codes: 0 ok, 1 other failure, 2 invalid input, 3 OCR unavailable, 4 timeout.
 */

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/errordiag-worker/internal/app"
	"github.com/adverant/nexus/errordiag-worker/internal/config"
	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
	"github.com/adverant/nexus/errordiag-worker/internal/imaging"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
	"github.com/adverant/nexus/errordiag-worker/internal/storage"
)

func main() {
	imagePath := flag.String("image", "", "path to the screenshot (PNG, JPEG, BMP, TIFF)")
	mimeType := flag.String("mime", "", "MIME type override; detected from content when empty")
	showID := flag.String("show", "", "print the stored diagnosis with this ID")
	flag.Parse()

	if (*imagePath == "") == (*showID == "") {
		fmt.Fprintln(os.Stderr, "usage: diagnose -image <path> [-mime <type>] | diagnose -show <diagnosis-id>")
		os.Exit(2)
	}

	var code int
	if *showID != "" {
		code = show(*showID)
	} else {
		code = run(*imagePath, *mimeType)
	}
	logging.Sync()
	os.Exit(code)
}

func run(path, mimeType string) int {
	_ = godotenv.Load(".env")

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "diagnose: %v\n", err)
		return 1
	}
	// stdout carries the JSON result
	if err := logging.ConfigureOutput(cfg.LogLevel, cfg.LogFormat, "stderr"); err != nil {
		fmt.Fprintf(os.Stderr, "diagnose: %v\n", err)
		return 1
	}
	logger := logging.NewLogger("Diagnose")

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diagnose: %v\n", err)
		return 2
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.BuildPipeline(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diagnose: %v\n", err)
		return 1
	}
	defer pipeline.Close()

	diagnosis, err := pipeline.Diagnose(ctx, imaging.RawImage{
		Data:     data,
		MimeType: mimeType,
		Size:     int64(len(data)),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "diagnose: %v\n", err)
		return exitCode(err)
	}

	return printJSON(diagnosis)
}

func show(id string) int {
	_ = godotenv.Load(".env")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "diagnose: DATABASE_URL is required for -show")
		return 1
	}
	db, err := storage.NewPostgresClient(databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diagnose: %v\n", err)
		return 1
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	diagnosis, err := db.GetDiagnosis(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diagnose: %v\n", err)
		return 1
	}
	return printJSON(diagnosis)
}

func printJSON(v interface{}) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "diagnose: %v\n", err)
		return 1
	}
	return 0
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		return 2
	case errors.Is(err, apperrors.ErrOCRUnavailable):
		return 3
	case errors.Is(err, apperrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return 4
	}
	return 1
}
