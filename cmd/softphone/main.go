// Command softphone runs one browser-tab equivalent against the shared call
// store: a signaling agent, its incoming-call notifier, and a real WebRTC
// audio session. It reads commands from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	intDatabase "voicecall-backend/internal/database"
	"voicecall-backend/internal/repository/cockroach"
	redisRepo "voicecall-backend/internal/repository/redis"
	"voicecall-backend/internal/service/callpush"
	"voicecall-backend/internal/service/callstore"
	"voicecall-backend/internal/service/notification"
	"voicecall-backend/internal/service/signaling"
	"voicecall-backend/pkg/cache"
	"voicecall-backend/pkg/config"
	"voicecall-backend/pkg/constants"
	pkgDatabase "voicecall-backend/pkg/database"
	"voicecall-backend/pkg/env"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/media/webrtcmedia"
	"voicecall-backend/pkg/metrics"
	"voicecall-backend/pkg/push"
	"voicecall-backend/pkg/resilience"
)

const usage = "commands: call <user_id> | accept | decline | cancel | hangup | status | quit"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.InitDefault()
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   "text",
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
	}
	defer logger.Sync()

	self, err := uuid.Parse(env.GetString("SOFTPHONE_USER_ID", ""))
	if err != nil {
		logger.Fatal("SOFTPHONE_USER_ID must be a user UUID", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics("softphone")
	clock := clockwork.NewRealClock()

	db, err := pkgDatabase.NewCockroachDB(ctx, &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: 4,
		MinConns: 1,
	})
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()

	redisDB, err := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: 4,
		Timeout:  cfg.Redis.Timeout,
	}, appMetrics.GetRegistry())
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisDB.Close()
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Fatal("Redis is required for the row-change feed", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	pushProvider, err := push.NewProvider(ctx, &cfg.Push)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	pushService := push.NewService(pushProvider,
		redisRepo.NewPushTokenRepository(redisDB, constants.PushTokenExpiry, clock))
	directory := redisRepo.NewDirectoryRepository(redisDB, cockroach.NewProfileRepository(db.Pool), constants.DisplayNameCacheTTL)

	feed := redisRepo.NewCallFeed(redisDB)
	pushingFeed := callpush.NewPublisher(feed, pushService, directory, constants.PushSendTimeout)
	defer pushingFeed.Wait()
	rooms := redisRepo.NewRoomBroker(redisDB, cfg.Signaling.RoomJoinURLBase, cfg.Signaling.RoomTTL, clock)
	store := callstore.NewStore(cockroach.NewCallRepository(db.Pool), pushingFeed, rooms, clock, appMetrics)

	mediaAdapter, err := webrtcmedia.NewAdapter(webrtcmedia.Config{ICEServers: cfg.Signaling.ICEServers})
	if err != nil {
		logger.Fatal("Failed to initialize WebRTC", zap.Error(err))
	}

	sink := signaling.LogSink{Logger: logger.With(zap.String("user_id", self.String()))}
	retrier := resilience.NewRetrier(constants.WriteAttempts, cfg.Signaling.WriteRetryBackoff, clock, appMetrics)

	loop := signaling.NewLoop()
	defer loop.Close()

	agent := signaling.NewAgent(signaling.Deps{
		Self:    self,
		Loop:    loop,
		Store:   store,
		Feed:    feed,
		Media:   mediaAdapter,
		Effects: sink,
		Clock:   clock,
		Retrier: retrier,
		Metrics: appMetrics,
	})

	notifier := notification.NewNotifier(notification.Deps{
		Self:        self,
		Loop:        loop,
		Agent:       agent,
		Store:       store,
		Feed:        feed,
		Directory:   directory,
		Hints:       cache.NewHintCache(cache.NewMemoryCache(constants.IncomingHintTTL, 16)),
		Effects:     sink,
		Clock:       clock,
		RingTimeout: cfg.Signaling.RingTimeout,
		Metrics:     appMetrics,
		Retrier:     retrier,
	})
	if err := notifier.Start(ctx); err != nil {
		logger.Fatal("Failed to start incoming call listener", zap.Error(err))
	}

	logger.Info("Softphone ready", zap.String("session_id", agent.SessionID()))
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

repl:
	for {
		select {
		case <-ctx.Done():
			break repl
		case line, ok := <-lines:
			if !ok {
				break repl
			}
			if quit := run(ctx, strings.Fields(line), agent, notifier); quit {
				break repl
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := notifier.Stop(shutdownCtx); err != nil {
		logger.Warn("Notifier stop failed", zap.Error(err))
	}
	if err := agent.Close(shutdownCtx); err != nil {
		logger.Warn("Agent close failed", zap.Error(err))
	}
}

func run(ctx context.Context, args []string, agent *signaling.Agent, notifier *notification.Notifier) bool {
	if len(args) == 0 {
		return false
	}

	var err error
	switch args[0] {
	case "call":
		if len(args) != 2 {
			fmt.Println(usage)
			return false
		}
		receiverID, parseErr := uuid.Parse(args[1])
		if parseErr != nil {
			fmt.Println("invalid user id")
			return false
		}
		rec, callErr := agent.PlaceCall(ctx, receiverID)
		if callErr == nil {
			fmt.Printf("calling, call_id=%s\n", rec.ID)
		}
		err = callErr
	case "accept", "decline":
		incoming, shownErr := notifier.Shown(ctx)
		if shownErr != nil || incoming == nil {
			fmt.Println("no incoming call")
			return false
		}
		if args[0] == "accept" {
			_, _, err = notifier.Accept(ctx, incoming.ID)
		} else {
			_, err = notifier.Decline(ctx, incoming.ID)
		}
	case "cancel":
		_, err = agent.Cancel(ctx)
	case "hangup":
		_, err = agent.HangUp(ctx)
	case "status":
		info, infoErr := agent.Current(ctx)
		switch {
		case infoErr != nil:
			err = infoErr
		case info == nil:
			fmt.Println("idle")
		default:
			fmt.Printf("%s %s connected=%t call_id=%s\n", info.Role, info.Status, info.Connected, info.CallID)
		}
	case "quit", "exit":
		return true
	default:
		fmt.Println(usage)
	}

	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}
