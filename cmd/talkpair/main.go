// Package main contains the entrypoint for the talkpair dialog router.
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
	"strings"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/sync/errgroup"

	"github.com/talkpair/talkpair/internal/botapi"
	"github.com/talkpair/talkpair/internal/botgw"
	"github.com/talkpair/talkpair/internal/config"
	"github.com/talkpair/talkpair/internal/database"
	"github.com/talkpair/talkpair/internal/humangw"
	"github.com/talkpair/talkpair/internal/logger"
	"github.com/talkpair/talkpair/internal/mailbox"
	"github.com/talkpair/talkpair/internal/orchestrator"
	"github.com/talkpair/talkpair/internal/scheduler"
	"github.com/talkpair/talkpair/internal/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components, wires the orchestrator into both gateways,
// and blocks until shutdown. It returns the process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	importProfiles := flag.String("import-profiles", "", "Import profiles from a JSON file and exit")
	addBotToken := flag.String("add-bot-token", "", "Register a bot with this token and exit (use with -add-bot-name)")
	addBotName := flag.String("add-bot-name", "", "Name for the bot registered with -add-bot-token")
	banBotToken := flag.String("ban-bot", "", "Ban the bot with this token and exit")
	banUser := flag.String("ban-user", "", "Ban a user given as platform:external_id and exit")
	listComplaints := flag.Bool("list-complaints", false, "Print unprocessed complaints and exit")
	processComplaint := flag.Int64("process-complaint", 0, "Mark the complaint with this id processed and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	if *importProfiles != "" {
		return runImportProfiles(ctx, log, store, *importProfiles)
	}
	if *addBotToken != "" {
		return runAddBot(ctx, log, store, *addBotToken, *addBotName)
	}
	if *banBotToken != "" {
		if err := store.SetBotBanned(ctx, *banBotToken, true); err != nil {
			log.Error("Failed to ban bot", "token", *banBotToken, "error", err)
			return 1
		}
		log.Info("Bot banned", "token", *banBotToken)
		return 0
	}
	if *banUser != "" {
		return runBanUser(ctx, log, store, *banUser)
	}
	if *listComplaints {
		return runListComplaints(ctx, log, store)
	}
	if *processComplaint != 0 {
		if err := store.MarkComplaintProcessed(ctx, *processComplaint); err != nil {
			log.Error("Failed to mark complaint processed", "id", *processComplaint, "error", err)
			return 1
		}
		log.Info("Complaint processed", "id", *processComplaint)
		return 0
	}

	sched, err := scheduler.NewScheduler(log)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	mb := mailbox.NewMailbox(store, log)
	botGateway := botgw.NewGateway(mb, store, log)

	var tg *tgbot.Bot
	var messenger humangw.Messenger = discardMessenger{log: log}
	// The transport exists only after the gateway it routes into, so the
	// default handler goes through a late-bound pointer. Updates do not flow
	// until tg.Start below, well after the assignment.
	var transport *telegram.Transport
	if cfg.Telegram.Enabled {
		tg, err = tgbot.New(cfg.Telegram.Token,
			tgbot.WithMiddlewares(logger.Middleware(log)),
			tgbot.WithDefaultHandler(func(ctx context.Context, b *tgbot.Bot, update *tgmodels.Update) {
				if transport != nil {
					transport.HandleUpdate(ctx, b, update)
				}
			}),
		)
		if err != nil {
			log.Error("Failed to create Telegram client", "error", err)
			return 1
		}
		messenger = telegram.NewMessenger(tg)
	}

	humanGateway := humangw.NewGateway(humangw.Config{
		Messages:       cfg.Messages,
		AssignProfile:  cfg.Dialog.AssignProfile,
		ShowTopics:     cfg.Dialog.ShowTopics,
		AllowSetBot:    cfg.Dialog.AllowSetBot,
		RevealDialogID: cfg.Dialog.RevealDialogID,
		ScoreDialog:    cfg.Evaluation.ScoreDialog,
		GuessProfile:   cfg.Evaluation.GuessProfile,
		SentenceMode:   cfg.Evaluation.GuessProfileSentenceBySentence,
	}, store, messenger, log)

	orc := orchestrator.New(orchestrator.Config{
		HumanBotRatio:        cfg.Dialog.HumanBotRatio,
		MaxTimeInLobby:       cfg.Dialog.MaxTimeInLobby,
		InactivityTimeout:    cfg.Dialog.InactivityTimeout,
		MaxLength:            cfg.Dialog.MaxLength,
		AssignProfile:        cfg.Dialog.AssignProfile,
		ShowTopics:           cfg.Dialog.ShowTopics,
		ScoreFrom:            cfg.Evaluation.ScoreFrom,
		ScoreTo:              cfg.Evaluation.ScoreTo,
		GuessProfile:         cfg.Evaluation.GuessProfile,
		SentenceMode:         cfg.Evaluation.GuessProfileSentenceBySentence,
		BadMessagesThreshold: cfg.Dialog.BadMessagesThreshold,
		TrigramWindow:        cfg.Dialog.TrigramWindow,
	}, store, sched, humanGateway, botGateway, log)

	// The orchestrator must outlive the gateways; inject it last.
	humanGateway.SetHandler(orc)
	botGateway.SetHandler(orc)

	if cfg.Telegram.Enabled {
		transport = telegram.NewTransport(humanGateway, store, log)
		transport.RegisterHandlers(tg)
	}

	apiServer := botapi.NewServer(cfg.HTTP.ListenAddr, cfg.HTTP.ShutdownTimeout, botGateway, log)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Start()
		<-gCtx.Done()
		return sched.Stop()
	})

	g.Go(func() error {
		return apiServer.Run(gCtx)
	})

	if cfg.Telegram.Enabled {
		g.Go(func() error {
			log.Info("Starting Telegram listener")
			tg.Start(gCtx)
			if gCtx.Err() == nil {
				return fmt.Errorf("telegram listener stopped unexpectedly")
			}
			return nil
		})
	}

	log.Info("talkpair running", "addr", cfg.HTTP.ListenAddr, "telegram", cfg.Telegram.Enabled)
	runErr := g.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Stopped gracefully")
	return 0
}

func runImportProfiles(ctx context.Context, log *slog.Logger, store database.Store, path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Error("Failed to read profiles file", "path", path, "error", err)
		return 1
	}

	var profiles []database.PersonProfile
	if err := json.Unmarshal(raw, &profiles); err != nil {
		log.Error("Failed to parse profiles file", "path", path, "error", err)
		return 1
	}

	if err := store.ImportProfiles(ctx, profiles); err != nil {
		log.Error("Failed to import profiles", "error", err)
		return 1
	}

	log.Info("Profiles imported", "count", len(profiles))
	return 0
}

func runAddBot(ctx context.Context, log *slog.Logger, store database.Store, token, name string) int {
	if name == "" {
		name = token
	}
	bot, err := store.CreateBot(ctx, token, name)
	if err != nil {
		log.Error("Failed to register bot", "error", err)
		return 1
	}
	log.Info("Bot registered", "name", bot.Name, "token", bot.Token)
	return 0
}

func runBanUser(ctx context.Context, log *slog.Logger, store database.Store, spec string) int {
	platform, externalID, ok := strings.Cut(spec, ":")
	if !ok || platform == "" || externalID == "" {
		log.Error("Expected -ban-user as platform:external_id", "got", spec)
		return 1
	}

	key := database.UserKey{Platform: platform, ExternalID: externalID}
	if err := store.SetUserBanned(ctx, key, true); err != nil {
		log.Error("Failed to ban user", "user", key, "error", err)
		return 1
	}
	log.Info("User banned", "user", key)
	return 0
}

func runListComplaints(ctx context.Context, log *slog.Logger, store database.Store) int {
	complaints, err := store.ListComplaints(ctx, true)
	if err != nil {
		log.Error("Failed to list complaints", "error", err)
		return 1
	}

	for _, c := range complaints {
		target := c.ComplainTo.Key()
		fmt.Printf("%d\t%s\tconversation %d\tagainst %s\t%s\n",
			c.ID, c.CreatedAt.Format(time.RFC3339), c.ConversationID, target,
			c.ComplainerKey.Platform+":"+c.ComplainerKey.ExternalID)
	}
	log.Info("Unprocessed complaints listed", "count", len(complaints))
	return 0
}

// discardMessenger keeps the human gateway functional when the Telegram
// transport is disabled (bot-only deployments and tests).
type discardMessenger struct {
	log *slog.Logger
}

func (d discardMessenger) SendText(_ context.Context, user *database.User, text string) error {
	d.log.Debug("Discarding outbound message", "user", user.Key(), "text", text)
	return nil
}

func (d discardMessenger) SendButtons(_ context.Context, user *database.User, text string, _ [][]humangw.Button) error {
	d.log.Debug("Discarding outbound keyboard", "user", user.Key(), "text", text)
	return nil
}
