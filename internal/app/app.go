package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/ssogate/internal/auth"
	"github.com/hitoshi/ssogate/internal/config"
	"github.com/hitoshi/ssogate/internal/database"
	"github.com/hitoshi/ssogate/internal/events"
	"github.com/hitoshi/ssogate/internal/handler"
	"github.com/hitoshi/ssogate/internal/logger"
	"github.com/hitoshi/ssogate/internal/mailer"
	"github.com/hitoshi/ssogate/internal/metrics"
	"github.com/hitoshi/ssogate/internal/middleware"
	"github.com/hitoshi/ssogate/internal/repository"
	"github.com/hitoshi/ssogate/internal/saml"
	"github.com/hitoshi/ssogate/internal/security"
	"github.com/hitoshi/ssogate/internal/sso"
	"github.com/hitoshi/ssogate/internal/throttle"
	"github.com/hitoshi/ssogate/internal/token"
	"github.com/hitoshi/ssogate/internal/user"
	"github.com/hitoshi/ssogate/internal/worker/cleanup"
)

// oauthHTTPTimeout はGoogle OAuthのトークン交換・ユーザー情報取得のタイムアウト。
const oauthHTTPTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCreateAdmin:
		return runCreateAdmin(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はコネクションプール設定を適用してDBに接続する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// gateway はAPIサーバーを構成するコンポーネント一式。
type gateway struct {
	handler http.Handler
	limiter *middleware.RateLimiter
	closers []io.Closer
}

// Close はレートリミッタを停止し、外部接続を閉じる。
func (g *gateway) Close() {
	if g.limiter != nil {
		g.limiter.Stop()
	}
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
}

// newGateway は設定から全依存関係をワイヤリングし、ルーターを構築する。
// Redis、Kafka、Brevo、Google OAuth、SAMLは設定がある場合のみ有効にする。
func newGateway(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (_ *gateway, err error) {
	g := &gateway{}
	defer func() {
		if err != nil {
			g.Close()
		}
	}()
	log := slog.Default()

	// 1. メトリクス
	collector := metrics.NewCollector(reg)

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	refreshRepo := repository.NewPostgresRefreshTokenRepo(db)
	loginLogRepo := repository.NewPostgresLoginLogRepo(db)

	// 3. トークン
	tokenCfg := token.Config{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	}
	issuer, err := token.NewIssuer(tokenCfg, refreshRepo)
	if err != nil {
		return nil, err
	}
	verifier, err := token.NewVerifier(tokenCfg)
	if err != nil {
		return nil, err
	}

	// 4. 監査イベント
	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAuthTopic, log)
		g.closers = append(g.closers, kp)
		publisher = kp
		slog.Info("auth event publishing enabled", slog.String("topic", cfg.KafkaAuthTopic))
	}
	recorder := auth.NewRecorder(loginLogRepo, publisher)

	// 5. 任意の外部サービス
	deps := auth.Dependencies{
		Users:         userRepo,
		RefreshTokens: refreshRepo,
		Issuer:        issuer,
		Verifier:      verifier,
		Recorder:      recorder,
	}
	if cfg.RedisURL != "" {
		client, err := throttle.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, client)
		deps.Throttle = throttle.NewRedisThrottle(client, cfg.LoginMaxFailures, cfg.LoginLockout)
	}
	if cfg.BrevoAPIKey != "" {
		deps.Mailer = mailer.NewBrevoClient(security.NewOutboundClient(cfg.MailTimeout), mailer.Config{
			APIKey:      cfg.BrevoAPIKey,
			SenderEmail: cfg.BrevoSenderEmail,
			SenderName:  cfg.BrevoSenderName,
		}, log)
	}
	if cfg.GoogleEnabled() {
		deps.OAuth = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}, security.NewOutboundClient(oauthHTTPTimeout))
	}

	// 6. ドメインサービスの初期化
	authService := auth.NewService(deps, auth.ServiceConfig{BaseURL: cfg.BaseURL})
	// 送信中のリセットメールを待ってからKafkaなどを閉じる
	g.closers = append([]io.Closer{authService}, g.closers...)
	userService := user.NewService(userRepo, refreshRepo, loginLogRepo, recorder)
	userService.SetWelcomeMailer(deps.Mailer, strings.TrimRight(cfg.BaseURL, "/")+"/login")

	if err := security.ValidateOutboundURL(cfg.LMSAuthURL); err != nil {
		return nil, fmt.Errorf("LMS_AUTH_URL: %w", err)
	}
	redirects := sso.NewRedirectPolicy(cfg.LMSAuthURL, cfg.LMSAllowedRedirectHosts)
	minter := sso.NewMinter(sso.MinterConfig{
		ClientSecret: cfg.LMSClientSecret,
		TTL:          cfg.SSOTokenTTL,
	}, redirects, recorder)
	learnWorlds := sso.NewLearnWorldsClient(security.NewOutboundClient(cfg.LMSHTTPTimeout), sso.LearnWorldsConfig{
		BaseURL:     cfg.LMSAuthURL,
		ClientID:    cfg.LMSClientID,
		AccessToken: cfg.LMSAccessToken,
	})

	// 7. レートリミッタ（拒否はメトリクスに記録する）
	g.limiter = middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitLogin, cfg.RateLimitGeneral),
		collector.RecordRateLimited,
	)

	trustedProxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	routerDeps := &handler.RouterDeps{
		Verifier:          verifier,
		RateLimiter:       g.limiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustedProxies:    trustedProxies,
		Logger:            log,
		Metrics:           collector,
		MetricsGatherer:   reg,
		AuthService:       authService,
		AuthConfig: handler.AuthHandlerConfig{
			FrontendURL:  cfg.BaseURL,
			CookieSecure: cfg.CookieSecure,
		},
		SSOAuth:     authService,
		Minter:      minter,
		LearnWorlds: learnWorlds,
		Redirects:   redirects,
		UserService: userService,
		DB:          db,
	}

	// 8. SAML
	if cfg.SAMLEnabled {
		bridge, err := saml.NewBridge(saml.Config{
			EntityID:   cfg.SAMLEntityID,
			ACSURL:     cfg.SAMLACSURL,
			SLOURL:     cfg.SAMLSLOURL,
			IdPCertPEM: cfg.SAMLIdPCert,
			SPCertPEM:  cfg.SAMLSPCert,
			AppOrigin:  cfg.BaseURL,
		}, userRepo, authService, recorder)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SAML: %w", err)
		}
		routerDeps.SAMLBridge = bridge
	}

	slog.Info("gateway components initialized",
		slog.Bool("saml", cfg.SAMLEnabled),
		slog.Bool("google", cfg.GoogleEnabled()),
		slog.Bool("redis_throttle", cfg.RedisURL != ""),
		slog.Bool("mail", cfg.BrevoAPIKey != ""),
	)

	g.handler = handler.NewRouter(routerDeps)
	return g, nil
}

// newRegistry はGo・プロセスメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. 依存関係のワイヤリング
	gw, err := newGateway(cfg, db, newRegistry())
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	defer gw.Close()

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      gw.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、クリーンアップジョブを日次で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	reg := newRegistry()
	job := cleanup.NewCleanupJob(db, slog.Default(), metrics.NewCollector(reg))
	job.RefreshTokenRetentionDays = cfg.RefreshTokenRetentionDays
	job.LoginLogRetentionDays = cfg.LoginLogRetentionDays

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WorkerMetricsPort != "" {
		srv := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("worker metrics server error", slog.String("error", err.Error()))
			}
		}()
		defer srv.Close()
	}

	slog.Info("worker starting",
		slog.Int("refresh_token_retention_days", job.RefreshTokenRetentionDays),
		slog.Int("login_log_retention_days", job.LoginLogRetentionDays),
	)

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx, cleanup.DefaultInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate は未適用のマイグレーションを適用し、到達したスキーマバージョンを記録する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runCreateAdmin はADMIN_EMAIL、ADMIN_PASSWORDから管理者アカウントを作成する。
func runCreateAdmin(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = createAdmin(ctx, repository.NewPostgresUserRepo(db), AdminInput{
		Email:    os.Getenv("ADMIN_EMAIL"),
		Password: os.Getenv("ADMIN_PASSWORD"),
		FullName: os.Getenv("ADMIN_NAME"),
	}, time.Now())
	return err
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
