package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/aws/invoke"
	"github.com/skillforge/arena/internal/aws/notification"
	"github.com/skillforge/arena/internal/aws/storage"
	"github.com/skillforge/arena/internal/cache"
	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/achievement"
	"github.com/skillforge/arena/internal/engine/game"
	"github.com/skillforge/arena/internal/engine/matchqueue"
	"github.com/skillforge/arena/internal/engine/session"
	"github.com/skillforge/arena/internal/engine/settlement"
	"github.com/skillforge/arena/internal/engine/stats"
	"github.com/skillforge/arena/pkg/logging"
)

type server struct {
	address  string
	upgrader websocket.Upgrader

	config Config
	jwt    *JWTService

	cacheClient   *cache.Client
	storageClient *storage.Client

	sessions  *session.Store
	queue     *matchqueue.Queue
	processor *game.Processor
	broadcast *broadcaster
}

func NewServer() *server {
	cfg := NewConfig()

	cacheClient, err := cache.Dial(cfg.RedisUrl)
	if err != nil {
		logging.Fatal("failed to connect to cache", zap.Error(err))
	}

	awsCfg, _ := config.LoadDefaultConfig(context.TODO())
	storageClient := storage.NewClient(dynamodb.NewFromConfig(awsCfg))

	sessions := session.NewStore(cacheClient)
	queue := matchqueue.NewQueue(cacheClient, sessions)
	broadcast := newBroadcaster(cacheClient)

	var settler game.Settler
	if cfg.SessionFinishFunctionName != "" {
		settler = invoke.NewClient(awslambda.NewFromConfig(awsCfg))
	} else {
		// no consumer function configured; settle in process
		engine := achievement.NewEngine(storageClient)
		if err := engine.LoadDefinitions(context.Background()); err != nil {
			logging.Fatal("failed to load achievement definitions", zap.Error(err))
		}
		settler = &localSettler{settler: settlement.NewSettler(
			stats.NewLedger(storageClient),
			engine,
			notification.NewClient(sns.NewFromConfig(awsCfg)),
		)}
	}

	processor := game.NewProcessor(sessions, storageClient, settler, broadcast)
	processor.SetDelays(cfg.Countdown, cfg.GraceDelay)

	srv := &server{
		address: "0.0.0.0:" + cfg.Port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		config:        cfg,
		jwt:           NewJWTService(cfg.JwtSecret, cfg.JwtIssuer),
		cacheClient:   cacheClient,
		storageClient: storageClient,
		sessions:      sessions,
		queue:         queue,
		processor:     processor,
		broadcast:     broadcast,
	}
	return srv
}

// localSettler runs settlement synchronously in a goroutine, used when no
// consumer function is configured.
type localSettler struct {
	settler *settlement.Settler
}

func (l *localSettler) TriggerSettlement(ctx context.Context, rec entities.FinishRecord) error {
	go func() {
		if err := l.settler.Settle(context.Background(), rec); err != nil {
			logging.Error("failed to settle session",
				zap.String("session_id", rec.SessionId),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Start method starts the orchestration server
func (s *server) Start() error {
	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	router.Get("/healthz", s.handleHealth)
	router.Get("/rooms", s.handleListRooms)
	router.Get("/rooms/{roomId}", s.handleGetRoom)
	router.Get("/leaderboard", s.handleLeaderboard)
	router.Get("/leaderboard/{userId}", s.handleLeaderboardUser)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/play", s.handlePlay)
	if s.config.DevTokenMint {
		// local development only, never enable in a deployed environment
		router.Post("/token", s.handleMintToken)
	}

	sweeper, err := s.startSweeper()
	if err != nil {
		return err
	}
	defer func() { _ = sweeper.Shutdown() }()

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     router,
		IdleTimeout: s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("server started", zap.String("port", s.config.Port))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		logging.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// handlePlay upgrades the connection and pumps messages until the client
// disconnects.
func (s *server) handlePlay(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(err.Error()))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &client{conn: conn, userId: claims.UserId}
	defer s.handleDisconnect(c)

	logging.Info("player connected", zap.String("user_id", claims.UserId))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logging.Info("connection closed",
				zap.String("remote_address", conn.RemoteAddr().String()),
				zap.Error(err),
			)
			return
		}
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			c.sendError(ErrStatusValidation, "malformed payload")
			continue
		}
		s.handleMessage(r.Context(), c, claims, p)
	}
}
