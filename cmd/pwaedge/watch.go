package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pwaedge/internal/pwaedge"
	"pwaedge/internal/update"
)

func watchCmd() *cobra.Command {
	var (
		baseURL    string
		configPath string
		interval   time.Duration
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Act as an open page and prompt before activating new versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := cliLogger(debug)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if !cmd.Flags().Changed("interval") {
				if interval, err = checkInterval(configPath, interval); err != nil {
					return err
				}
			}
			return watch(cmd.Context(), baseURL, interval, log)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", getenvDefault("PWAEDGE_ADDR", "http://localhost:8080"), "pwaedge base URL")
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("PWAEDGE_CONFIG"), "pwaedge.yaml to take update.checkInterval from")
	cmd.Flags().DurationVar(&interval, "interval", update.DefaultCheckInterval, "update check interval (overrides the config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "log every worker message")
	return cmd
}

func watch(parent context.Context, baseURL string, interval time.Duration, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	page, err := update.NewPage(baseURL, log.Named("page"))
	if err != nil {
		return err
	}
	page.OnMessage = func(typ string, raw []byte) {
		log.Debug("worker message", zap.String("type", typ), zap.ByteString("raw", raw))
	}
	if err := page.Open(ctx); err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	reg := update.NewRemoteRegistration(baseURL, &http.Client{Timeout: 30 * time.Second})
	coord := update.NewCoordinator(reg, page, interval, log.Named("update"))
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := coord.Close(closeCtx); err != nil {
			log.Warn("unregister", zap.Error(err))
		}
	}()

	answers := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-coord.Available():
			fmt.Printf("New version %s is available. Reload now? [y/N] ", v)
			select {
			case <-ctx.Done():
				return nil
			case answer, ok := <-answers:
				if ok && isYes(answer) {
					if err := coord.Confirm(ctx); err != nil {
						log.Warn("activate update", zap.Error(err))
					}
					continue
				}
				coord.Dismiss()
			}
		}
	}
}

// checkInterval reads update.checkInterval from the config at path. Without a
// config the default is kept.
func checkInterval(path string, def time.Duration) (time.Duration, error) {
	if path == "" {
		return def, nil
	}
	cfg, err := pwaedge.LoadConfig(path)
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}
	return cfg.Update.CheckInterval.Std(), nil
}

// readLines never stops on its own; stdin reads cannot be interrupted.
func readLines(f *os.File) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

func subscribeCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Opt the worker into push and print the subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := update.NewRemoteRegistration(baseURL, &http.Client{Timeout: 30 * time.Second})
			sub, err := reg.Subscribe(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sub)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", getenvDefault("PWAEDGE_ADDR", "http://localhost:8080"), "pwaedge base URL")
	return cmd
}

func cliLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}
