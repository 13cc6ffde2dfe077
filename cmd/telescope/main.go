package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telescope/internal/config"
	"telescope/internal/feed"
	"telescope/internal/notify"
	"telescope/internal/pipeline"
	"telescope/internal/rules"
	"telescope/internal/sourcekey"
	"telescope/internal/storage"
	"telescope/internal/telegram"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the config file")
	flag.Parse()

	cmd := "run"
	if args := flag.Args(); len(args) > 0 {
		cmd = args[0]
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "run":
		run(ctx, cfg, log)
	case "discover":
		discover(ctx, cfg, log)
	case "matches":
		printMatches(ctx, cfg, log)
	default:
		fmt.Fprintln(os.Stderr, "Usage: telescope [-config path] <command>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  run       Start the watcher (default)")
		fmt.Fprintln(os.Stderr, "  discover  Print source keys for chats seen in incoming updates")
		fmt.Fprintln(os.Stderr, "  matches   Print the most recent audit log entries")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) {
	if cfg.Notifications.BotChatID == 0 {
		log.Error("notifications.bot_chat_id is required")
		os.Exit(1)
	}
	if len(cfg.AllowedKeys()) == 0 {
		log.Error("at least one enabled source or feed is required")
		os.Exit(1)
	}

	compiled, err := rules.Compile(cfg.RuleDefinitions())
	if err != nil {
		log.Error("compile rules", "error", err)
		os.Exit(1)
	}
	log.Info("rules loaded", "count", len(compiled))

	store := openStorage(cfg, log)
	defer func() { _ = store.Close() }()

	if cfg.DedupConfig().Mode != "off" {
		removed, err := store.CleanupSeen(ctx, cfg.Dedup.TTLDays)
		if err != nil {
			log.Error("cleanup fingerprints", "error", err)
			os.Exit(1)
		}
		log.Info("fingerprint cleanup", "removed", removed)
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Error("create bot api", "error", err)
		os.Exit(1)
	}

	notifier := notify.NewTelegram(api, cfg.Notifications.BotChatID, cfg.Aliases())
	allowed := cfg.AllowedKeys()

	processor := pipeline.NewProcessor(compiled, store, notifier,
		allowed, cfg.DedupConfig(), cfg.SnippetChars, log)

	fetcher := feed.NewFetcher(http.DefaultClient)
	var feeds []*feed.Source
	for _, f := range cfg.Feeds {
		feeds = append(feeds, feed.NewSource(f.Name, f.URL, fetcher, log))
	}

	// Catch-up runs to completion before live handling starts so there is
	// no ordering race between backfill and the live stream.
	if cfg.CatchUp.Enabled {
		counting := pipeline.NewCountingNotifier(notifier)
		catchUpProcessor := pipeline.NewProcessor(compiled, store, counting,
			allowed, cfg.DedupConfig(), cfg.SnippetChars, log)

		histories := make(map[string]pipeline.HistorySource, len(feeds))
		for _, src := range feeds {
			histories[src.BaseKey()] = src
		}

		scanner := pipeline.NewScanner(store, catchUpProcessor, counting,
			histories, cfg.CatchUp.PerSourceLimit, log)
		if _, err := scanner.Scan(ctx); err != nil {
			log.Error("catch-up scan", "error", err)
		}
	}

	resolver := telegram.NewCachingResolver(forumResolver(allowed))
	live := telegram.NewSource(api, processor, resolver, true, log)

	for i, src := range feeds {
		interval := time.Duration(cfg.Feeds[i].IntervalMinutes) * time.Minute
		go src.Run(ctx, interval, processor)
	}

	log.Info("listening for incoming messages")
	live.Run(ctx)
	log.Info("watcher stopped")
}

func discover(ctx context.Context, cfg *config.Config, log *slog.Logger) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Error("create bot api", "error", err)
		os.Exit(1)
	}
	log.Info("watching updates, press Ctrl-C to stop")
	telegram.Discover(ctx, api, os.Stdout)
}

func printMatches(ctx context.Context, cfg *config.Config, log *slog.Logger) {
	store := openStorage(cfg, log)
	defer func() { _ = store.Close() }()

	matches, err := store.RecentMatches(ctx, 20)
	if err != nil {
		log.Error("list matches", "error", err)
		os.Exit(1)
	}
	if len(matches) == 0 {
		fmt.Println("No matches recorded yet.")
		return
	}
	for _, m := range matches {
		fmt.Printf("#%d %s %s [%s] message %d\n", m.ID, m.Date.Format("2006-01-02 15:04"), m.SourceKey, m.RuleName, m.MessageID)
		fmt.Printf("   %s\n", m.TextSnippet)
	}
}

func openStorage(cfg *config.Config, log *slog.Logger) *storage.SQLite {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}
	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	return store
}

// forumResolver derives forum status from the configuration: a chat_id
// source configured with a topic suffix is forum-enabled. The Bot API
// carries no forum flag of its own to consult.
func forumResolver(allowedKeys []string) telegram.ForumResolver {
	forumChats := make(map[int64]struct{})
	for _, key := range allowedKeys {
		for _, variant := range sourcekey.ExpandVariants(key) {
			base, topicID := sourcekey.Split(variant)
			if topicID == nil || !strings.HasPrefix(base, "chat_id:") {
				continue
			}
			if id, err := strconv.ParseInt(strings.TrimPrefix(base, "chat_id:"), 10, 64); err == nil {
				forumChats[id] = struct{}{}
			}
		}
	}
	return telegram.ResolverFunc(func(_ context.Context, chatID int64) (bool, error) {
		_, ok := forumChats[chatID]
		return ok, nil
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
