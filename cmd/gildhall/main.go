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

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gildhall-chat/gildhall-server/internal/api"
	"github.com/gildhall-chat/gildhall-server/internal/auth"
	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/channel"
	"github.com/gildhall-chat/gildhall-server/internal/config"
	"github.com/gildhall-chat/gildhall-server/internal/gateway"
	"github.com/gildhall-chat/gildhall-server/internal/guild"
	"github.com/gildhall-chat/gildhall-server/internal/httputil"
	"github.com/gildhall-chat/gildhall-server/internal/invite"
	"github.com/gildhall-chat/gildhall-server/internal/member"
	"github.com/gildhall-chat/gildhall-server/internal/message"
	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/postgres"
	"github.com/gildhall-chat/gildhall-server/internal/role"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
	"github.com/gildhall-chat/gildhall-server/internal/user"
	"github.com/gildhall-chat/gildhall-server/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg          *config.Config
	db           *pgxpool.Pool
	rdb          *redis.Client
	eventBus     *bus.Bus
	gen          *snowflake.Generator
	userRepo     user.Repository
	guildRepo    guild.Repository
	channelRepo  channel.Repository
	roleRepo     role.Repository
	memberRepo   member.Repository
	inviteRepo   invite.Repository
	sessionRepo  auth.SessionRepository
	permStore    *permission.PGStore
	permResolver *permission.Resolver
	authService  *auth.Service
	messageSvc   *message.Service
	gatewayHub   *gateway.Hub
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Int("worker_id", cfg.SnowflakeWorkerID).
		Msg("Starting Gildhall Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Connect NATS and ensure the event streams exist.
	eventBus, err := bus.Connect(ctx, cfg.NatsURL, cfg.BusEventMaxAge, log.Logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer eventBus.Close()
	log.Info().Msg("NATS connected, event streams ready")

	// Snowflake generator. The worker id must be unique per process; ids from
	// it order every entity and cursor in the system.
	gen, err := snowflake.NewGenerator(uint16(cfg.SnowflakeWorkerID))
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	// Permission engine
	permStore := permission.NewPGStore(db)
	permCache := permission.NewValkeyCache(rdb, cfg.PermissionCacheTTL)
	permResolver := permission.NewResolver(permStore, permCache, log.Logger)

	// Repositories
	userRepo := user.NewPGRepository(db, log.Logger)
	guildRepo := guild.NewPGRepository(db, log.Logger)
	channelRepo := channel.NewPGRepository(db, log.Logger)
	roleRepo := role.NewPGRepository(db, log.Logger)
	memberRepo := member.NewPGRepository(db, log.Logger)
	inviteRepo := invite.NewPGRepository(db, log.Logger)
	sessionRepo := auth.NewPGSessionRepository(db)

	authService := auth.NewService(userRepo, sessionRepo, gen, eventBus, cfg, log.Logger)
	messageSvc := message.NewService(
		message.NewPGRepository(db, log.Logger),
		permResolver,
		directory{channels: channelRepo, members: memberRepo, roles: roleRepo},
		gen, eventBus, cfg.MaxMessageLength, log.Logger,
	)

	// Background consumers share a cancellable context and restart with
	// backoff on failure.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	permInvalidator := permission.NewInvalidator(permCache, eventBus, log.Logger)
	go runWithBackoff(subCtx, "permission-invalidator", permInvalidator.Run)

	subs := gateway.NewSubscriptionStore(rdb, cfg.GatewaySubscriptionTTL)
	gatewayHub := gateway.NewHub(cfg, subs, sessionRepo, guildRepo, eventBus, permResolver, log.Logger)
	go runWithBackoff(subCtx, "gateway-hub", gatewayHub.Run)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Gildhall",
		// ErrorHandler catches errors returned by handlers that are not
		// already mapped to structured API responses (e.g. Fiber's built-in
		// 404/405).
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := httputil.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				apiCode = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    apiCode,
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(httputil.RequestLogger(log.Logger, "/api/v1/health"))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	srv := &server{
		cfg:          cfg,
		db:           db,
		rdb:          rdb,
		eventBus:     eventBus,
		gen:          gen,
		userRepo:     userRepo,
		guildRepo:    guildRepo,
		channelRepo:  channelRepo,
		roleRepo:     roleRepo,
		memberRepo:   memberRepo,
		inviteRepo:   inviteRepo,
		sessionRepo:  sessionRepo,
		permStore:    permStore,
		permResolver: permResolver,
		authService:  authService,
		messageSvc:   messageSvc,
		gatewayHub:   gatewayHub,
	}
	srv.registerRoutes(app)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		gatewayHub.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *server) registerRoutes(app *fiber.App) {
	requireAuth := auth.RequireAuth(s.cfg.JWTSecret, s.cfg.ServerURL)

	health := &api.HealthHandler{DB: s.db, Redis: s.rdb}
	app.Get("/api/v1/health", health.Health)

	// Auth routes with stricter rate limiting
	authHandler := api.NewAuthHandler(s.authService, log.Logger)
	authGroup := app.Group("/api/v1/auth")
	authGroup.Use(limiter.New(limiter.Config{
		Max:        s.cfg.RateLimitAuthCount,
		Expiration: time.Duration(s.cfg.RateLimitAuthWindowSeconds) * time.Second,
	}))
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/refresh", authHandler.Refresh)
	authGroup.Post("/logout", requireAuth, authHandler.Logout)
	authGroup.Post("/logout-all", requireAuth, authHandler.LogoutAll)

	// Guild routes
	guildHandler := api.NewGuildHandler(s.guildRepo, s.gen, s.eventBus, log.Logger)
	guildGroup := app.Group("/api/v1/guilds", requireAuth)
	guildGroup.Post("/", guildHandler.CreateGuild)
	guildGroup.Get("/:guildID", guildHandler.GetGuild)
	guildGroup.Patch("/:guildID",
		permission.RequireGuildPermission(s.permResolver, permission.ManageGuild),
		guildHandler.UpdateGuild)
	guildGroup.Delete("/:guildID", guildHandler.DeleteGuild)

	// Channel routes nested under guilds
	channelHandler := api.NewChannelHandler(s.channelRepo, s.cfg.MaxChannels, s.gen, s.eventBus, log.Logger)
	guildGroup.Get("/:guildID/channels", channelHandler.ListChannels)
	guildGroup.Post("/:guildID/channels",
		permission.RequireGuildPermission(s.permResolver, permission.ManageChannels),
		channelHandler.CreateChannel)

	// Standalone channel routes
	channelGroup := app.Group("/api/v1/channels", requireAuth)
	channelGroup.Get("/:channelID",
		permission.RequireChannelPermission(s.permResolver, permission.ViewChannel),
		channelHandler.GetChannel)
	channelGroup.Patch("/:channelID",
		permission.RequireChannelPermission(s.permResolver, permission.ManageChannels),
		channelHandler.UpdateChannel)
	channelGroup.Delete("/:channelID",
		permission.RequireChannelPermission(s.permResolver, permission.ManageChannels),
		channelHandler.DeleteChannel)

	// Permission overwrite routes
	overwriteHandler := api.NewOverwriteHandler(s.permStore, s.channelRepo, s.permResolver, s.eventBus, log.Logger)
	channelGroup.Put("/:channelID/overwrites/:targetID",
		permission.RequireChannelPermission(s.permResolver, permission.ManageRoles),
		overwriteHandler.SetOverwrite)
	channelGroup.Delete("/:channelID/overwrites/:targetID",
		permission.RequireChannelPermission(s.permResolver, permission.ManageRoles),
		overwriteHandler.DeleteOverwrite)
	channelGroup.Get("/:channelID/permissions/@me", overwriteHandler.GetMyPermissions)

	// Message routes. The pipeline enforces its own permission checks, so no
	// route middleware here.
	messageHandler := api.NewMessageHandler(s.messageSvc, log.Logger)
	channelGroup.Get("/:channelID/messages", messageHandler.ListMessages)
	channelGroup.Post("/:channelID/messages", messageHandler.CreateMessage)
	channelGroup.Patch("/:channelID/messages/:messageID", messageHandler.EditMessage)
	channelGroup.Delete("/:channelID/messages/:messageID", messageHandler.DeleteMessage)

	// Role routes
	roleHandler := api.NewRoleHandler(s.roleRepo, s.cfg.MaxRoles, s.gen, s.eventBus, log.Logger)
	guildGroup.Get("/:guildID/roles", roleHandler.ListRoles)
	guildGroup.Post("/:guildID/roles",
		permission.RequireGuildPermission(s.permResolver, permission.ManageRoles),
		roleHandler.CreateRole)
	guildGroup.Patch("/:guildID/roles/:roleID",
		permission.RequireGuildPermission(s.permResolver, permission.ManageRoles),
		roleHandler.UpdateRole)
	guildGroup.Delete("/:guildID/roles/:roleID",
		permission.RequireGuildPermission(s.permResolver, permission.ManageRoles),
		roleHandler.DeleteRole)

	// Member routes
	memberHandler := api.NewMemberHandler(s.memberRepo, s.roleRepo, s.eventBus, log.Logger)
	memberGroup := guildGroup.Group("/:guildID/members")
	memberGroup.Get("/", memberHandler.ListMembers)
	memberGroup.Delete("/@me", memberHandler.Leave)
	memberGroup.Get("/:userID", memberHandler.GetMember)
	memberGroup.Patch("/:userID",
		permission.RequireGuildPermission(s.permResolver, permission.ManageNicknames),
		memberHandler.UpdateMember)
	memberGroup.Delete("/:userID",
		permission.RequireGuildPermission(s.permResolver, permission.KickMembers),
		memberHandler.KickMember)
	memberGroup.Put("/:userID/roles/:roleID",
		permission.RequireGuildPermission(s.permResolver, permission.ManageRoles),
		memberHandler.AssignRole)
	memberGroup.Delete("/:userID/roles/:roleID",
		permission.RequireGuildPermission(s.permResolver, permission.ManageRoles),
		memberHandler.RemoveRole)

	// Ban routes
	banGroup := guildGroup.Group("/:guildID/bans",
		permission.RequireGuildPermission(s.permResolver, permission.BanMembers))
	banGroup.Get("/", memberHandler.ListBans)
	banGroup.Put("/:userID", memberHandler.BanMember)
	banGroup.Delete("/:userID", memberHandler.UnbanMember)

	// Invite routes
	inviteHandler := api.NewInviteHandler(s.inviteRepo, s.memberRepo, s.eventBus, log.Logger)
	guildGroup.Post("/:guildID/invites",
		permission.RequireGuildPermission(s.permResolver, permission.CreateInvites),
		inviteHandler.CreateInvite)
	guildGroup.Get("/:guildID/invites",
		permission.RequireGuildPermission(s.permResolver, permission.ManageGuild),
		inviteHandler.ListInvites)

	inviteGroup := app.Group("/api/v1/invites", requireAuth)
	inviteGroup.Delete("/:code", inviteHandler.DeleteInvite)
	inviteGroup.Post("/:code/join", inviteHandler.JoinViaInvite)

	// Gateway WebSocket endpoint (unauthenticated; IDENTIFY happens inside
	// the socket).
	gatewayHandler := api.NewGatewayHandler(s.gatewayHub)
	app.Get("/api/v1/gateway", gatewayHandler.Upgrade)

	// Terminal handler: unmatched requests get a structured 404 instead of
	// Fiber's default empty 200 for router-level middleware matches.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// directory adapts the channel, member, and role repositories to the message
// pipeline's mention-validation surface.
type directory struct {
	channels channel.Repository
	members  member.Repository
	roles    role.Repository
}

func (d directory) ChannelGuild(ctx context.Context, channelID snowflake.ID) (snowflake.ID, error) {
	ch, err := d.channels.Get(ctx, channelID)
	if errors.Is(err, channel.ErrNotFound) {
		return 0, permission.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return ch.GuildID, nil
}

func (d directory) FilterMembers(ctx context.Context, guildID snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error) {
	return d.members.FilterExisting(ctx, guildID, candidates)
}

func (d directory) FilterRoles(ctx context.Context, guildID snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error) {
	return d.roles.FilterExisting(ctx, guildID, candidates)
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when
// it returns a non-nil, non-cancelled error. The delay starts at 1 second
// and doubles on each consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors
// to the closest API error code.
func fiberStatusToAPICode(status int) httputil.Code {
	switch status {
	case fiber.StatusNotFound:
		return httputil.NotFound
	case fiber.StatusTooManyRequests:
		return httputil.RateLimited
	case fiber.StatusServiceUnavailable:
		return httputil.ServiceUnavailable
	default:
		if status >= 400 && status < 500 {
			return httputil.ValidationError
		}
		return httputil.InternalError
	}
}
