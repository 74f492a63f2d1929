package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loqalabs/tilawa/internal/capture"
	"github.com/loqalabs/tilawa/internal/config"
	"github.com/loqalabs/tilawa/internal/quran"
	"github.com/loqalabs/tilawa/internal/versestore"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		surahNo    int
		ayahNo     int
		seconds    int
		audioPath  string
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "tilawa.yaml", "Path to configuration file")

	surahCmd := flag.NewFlagSet("surah", flag.ExitOnError)
	surahCmd.StringVar(&configPath, "config", "tilawa.yaml", "Path to configuration file")
	surahCmd.IntVar(&surahNo, "n", 1, "Surah number (1-114)")

	contextCmd := flag.NewFlagSet("context", flag.ExitOnError)
	contextCmd.StringVar(&configPath, "config", "tilawa.yaml", "Path to configuration file")
	contextCmd.IntVar(&surahNo, "surah", 1, "Surah number (1-114)")
	contextCmd.IntVar(&ayahNo, "ayah", 1, "Ayah number")

	inferCmd := flag.NewFlagSet("infer", flag.ExitOnError)
	inferCmd.StringVar(&configPath, "config", "tilawa.yaml", "Path to configuration file")
	inferCmd.IntVar(&seconds, "seconds", 5, "Seconds to record from the capture source")
	inferCmd.StringVar(&audioPath, "file", "", "Audio file to upload instead of recording")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'surah', 'context', 'infer' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err = runValidate(configPath); err == nil {
			fmt.Println("config valid")
		}
	case "surah":
		surahCmd.Parse(os.Args[2:])
		err = runSurah(ctx, configPath, surahNo)
	case "context":
		contextCmd.Parse(os.Args[2:])
		err = runContext(ctx, configPath, surahNo, ayahNo)
	case "infer":
		inferCmd.Parse(os.Args[2:])
		err = runInfer(ctx, configPath, seconds, audioPath)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func runValidate(path string) error {
	_, err := config.Load(path)
	return err
}

func runSurah(ctx context.Context, configPath string, n int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger()
	store, err := versestore.Open(ctx, cfg.Cache, log)
	if err != nil {
		return err
	}
	defer store.Close()

	lib := quran.NewLibrary(quran.NewClient(cfg.Service), store, log)
	s, err := lib.Surah(ctx, n)
	if err != nil {
		return err
	}
	fmt.Printf("%d. %s (%s)\n", s.SurahNo, s.NameTr, s.NameAr)
	for _, a := range s.Ayahs {
		fmt.Printf("%3d  %s\n", a.AyahNo, a.TextAr)
	}
	return nil
}

func runContext(ctx context.Context, configPath string, surah, ayah int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	w, err := quran.NewClient(cfg.Service).Context(ctx, surah, ayah, 2, 10)
	if err != nil {
		return err
	}
	for _, item := range w.Items {
		marker := " "
		if item.SurahNo == w.SurahNo && item.AyahNo == w.AyahNo {
			marker = ">"
		}
		fmt.Printf("%s %d:%d  %s\n", marker, item.SurahNo, item.AyahNo, item.TextAr)
	}
	return nil
}

func runInfer(ctx context.Context, configPath string, seconds int, audioPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if audioPath == "" {
		if seconds <= 0 {
			return errors.New("seconds must be positive")
		}
		audioPath, err = recordClip(ctx, cfg, time.Duration(seconds)*time.Second)
		if err != nil {
			return err
		}
		defer os.Remove(audioPath)
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	res, err := quran.NewClient(cfg.Service).Infer(ctx, filepath.Base(audioPath), f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func recordClip(ctx context.Context, cfg config.Config, d time.Duration) (string, error) {
	src, err := capture.NewSource(cfg.Capture)
	if err != nil {
		return "", err
	}
	g := capture.NewGraph(cfg.Capture, src, logger())
	fmt.Fprintf(os.Stderr, "recording %s...\n", d)
	samples, err := capture.Record(ctx, g, d)
	if err != nil && !errors.Is(err, context.Canceled) {
		return "", err
	}

	tmp, err := os.CreateTemp("", "tilawa-*.wav")
	if err != nil {
		return "", err
	}
	if err := capture.WriteWAV(tmp, samples, cfg.Capture.SampleRate); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
