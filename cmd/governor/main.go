package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelnet/governor/pkg/api"
	"github.com/sentinelnet/governor/pkg/artifacts"
	"github.com/sentinelnet/governor/pkg/audit"
	"github.com/sentinelnet/governor/pkg/auth"
	"github.com/sentinelnet/governor/pkg/config"
	"github.com/sentinelnet/governor/pkg/crypto"
	"github.com/sentinelnet/governor/pkg/escalation"
	"github.com/sentinelnet/governor/pkg/gateway"
	"github.com/sentinelnet/governor/pkg/httpapi"
	"github.com/sentinelnet/governor/pkg/kms"
	"github.com/sentinelnet/governor/pkg/memory"
	"github.com/sentinelnet/governor/pkg/observability"
	"github.com/sentinelnet/governor/pkg/policy"
	"github.com/sentinelnet/governor/pkg/store"
	"github.com/sentinelnet/governor/pkg/vectorworker"
	"github.com/sentinelnet/governor/pkg/workflow"

	_ "github.com/lib/pq" // Postgres driver
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		runServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		runServer()
		return 0
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			runServer()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "governor — the SentinelNet governance substrate")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  governor <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server    Run the governor HTTP server (default)")
	fmt.Fprintln(w, "  verify    Verify the audit chain's hash/signature linkage (--json, --timeout)")
	fmt.Fprintln(w, "  health    Check server health (HTTP)")
	fmt.Fprintln(w, "  help      Show this help")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

// runServer wires every component built in pkg/ into one governor process
// and serves the SPEC_FULL.md §6 HTTP surface until a shutdown signal
// arrives.
func runServer() {
	ctx := context.Background()
	logger := slog.Default()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("governor: invalid configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("governor: connect to db: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("governor: db ping: %v", err)
	}
	log.Println("[governor] postgres: connected")

	signer := buildSigner(ctx, cfg)
	log.Printf("[governor] signer chain ready, local fallback kid=%s", cfg.AuditSignerKid)

	obsProvider := buildObservability(ctx, cfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obsProvider.Shutdown(shutdownCtx); err != nil {
			log.Printf("[governor] observability shutdown error: %v", err)
		}
	}()

	auditChain := audit.NewChain(db, signer).WithObservability(obsProvider)

	policyEngine, err := policy.NewEngine(auditChain)
	if err != nil {
		log.Fatalf("governor: build policy engine: %v", err)
	}
	policyEngine.WithObservability(obsProvider)
	approvals := escalation.NewManager()
	lifecycle := policy.NewLifecycle(policyEngine, approvals)

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("governor: parse REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opt)
		rollback := policy.NewRollbackController(rdb, lifecycle, func(ctx context.Context, policyID string) error {
			_, err := auditChain.Append(ctx, "policy.canary_rollback", map[string]interface{}{"policyId": policyID})
			return err
		}).WithThreshold(cfg.CanaryRollbackThreshold).WithWindow(time.Duration(cfg.CanaryRollbackWindow) * time.Second)
		go rollback.Run(ctx, policyEngine, 30*time.Second)
		log.Println("[governor] canary rollback watchdog: running")
	} else {
		log.Println("[governor] REDIS_URL unset: canary rollback watchdog disabled")
	}

	archiveStore, err := buildArchiveStore(ctx, cfg)
	if err != nil {
		log.Fatalf("governor: build archive store: %v", err)
	}
	if archiveStore != nil {
		batcher := audit.NewBatcher(auditChain, archiveStore, signer)
		go runArchivalLoop(ctx, batcher, logger, time.Hour)
		log.Printf("[governor] audit archival batcher: running, provider=%s", cfg.ArchiveProvider)
	} else {
		log.Println("[governor] ARCHIVE_PROVIDER unset or \"none\": audit archival disabled")
	}

	idempotency := gateway.NewPostgresIdempotencyStore(db, time.Duration(cfg.IdempotencyTTLSeconds)*time.Second)
	coordinator := gateway.NewCoordinator(db, policyEngine, auditChain, idempotency)

	vectorStore := store.NewPostgresVectorQueueStore(db)
	memoryPolicy := &httpapi.MemoryPolicyAdapter{Engine: policyEngine}
	memoryStore := memory.NewPostgresMemoryStore(db, memoryPolicy, vectorStore, auditChain)

	vectorAdapter := vectorworker.NewInMemoryAdapter()
	worker := vectorworker.New(vectorStore, vectorAdapter)
	go func() {
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("vector worker stopped", "error", err)
		}
	}()
	log.Println("[governor] vector worker: running")

	scorer := workflow.NewScorer(cfg.PromotionThreshold, cfg.PromotionHysteresisWindows)
	allocator := workflow.NewAllocator(db, policyEngine, auditChain, approvals, signer, workflow.AllocatorConfig{
		MaxAutoApply:      cfg.MaxAutoApply,
		RequiredApprovals: cfg.UpgradeRequiredApprovals,
		ApproverIDs:       cfg.UpgradeApproverIDs,
		MultisigTimeout:   time.Duration(cfg.MultisigTimeoutSeconds) * time.Second,
	})

	handler := httpapi.NewHandler(policyEngine, lifecycle, coordinator, auditChain, signer, memoryStore, scorer, allocator, approvals, httpapi.Config{
		UpgradeRequiredApprovals: cfg.UpgradeRequiredApprovals,
		UpgradeApproverIDs:       cfg.UpgradeApproverIDs,
		UpgradeTimeout:           time.Duration(cfg.MultisigTimeoutSeconds) * time.Second,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var wrapped http.Handler = mux
	if cfg.JWTHMACSecret != "" {
		secret := []byte(cfg.JWTHMACSecret)
		validator := auth.NewJWTValidator(func(t *jwt.Token) (interface{}, error) { return secret, nil })
		wrapped = auth.NewMiddleware(validator)(wrapped)
		log.Println("[governor] JWT bearer auth: enabled for human callers")
	} else {
		log.Println("[governor] JWT_HMAC_SECRET unset: bearer auth disabled, relying on mTLS/X-Actor-ID at the transport layer")
	}
	wrapped = api.NewGlobalRateLimiter(100, 200).Middleware(wrapped)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: wrapped,
	}

	go func() {
		log.Printf("[governor] ready: http://localhost:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("governor: server error: %v", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	go func() {
		log.Println("[governor] health server: :8081")
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			log.Printf("[governor] health server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[governor] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[governor] shutdown error: %v", err)
	}
}

// buildObservability constructs the OTel provider RED metrics and the
// audit/policy domain metrics (§10.1) are recorded against. It is only
// enabled when OTEL_EXPORTER_OTLP_ENDPOINT is set, so a bare `governor
// server` in local development doesn't spend startup time dialing a
// collector that isn't there.
func buildObservability(ctx context.Context, cfg *config.Config) *observability.Provider {
	obsCfg := observability.DefaultConfig()
	obsCfg.Environment = string(cfg.Env)
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.Insecure = cfg.OTELInsecure
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}

	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("governor: init observability: %v", err)
	}
	if obsCfg.Enabled {
		log.Printf("[governor] observability: exporting to %s", obsCfg.OTLPEndpoint)
	} else {
		log.Println("[governor] OTEL_EXPORTER_OTLP_ENDPOINT unset: observability provider initialized inert, metrics/traces not exported")
	}
	return provider
}

// buildArchiveStore resolves the C3 §12 archival backend from
// ARCHIVE_PROVIDER/ARCHIVE_BUCKET, deferring to artifacts.NewStoreFromEnv
// (the same fs/s3/gcs selection the artifacts package itself exposes) so
// the archival path and content-addressed artifact storage share one
// backend configuration surface. Returns (nil, nil) when archival is off.
func buildArchiveStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	if cfg.ArchiveProvider == "" || cfg.ArchiveProvider == "none" {
		return nil, nil
	}
	if os.Getenv("ARTIFACT_STORAGE_TYPE") == "" {
		os.Setenv("ARTIFACT_STORAGE_TYPE", cfg.ArchiveProvider)
	}
	if cfg.ArchiveBucket != "" {
		switch cfg.ArchiveProvider {
		case "s3":
			if os.Getenv("ARTIFACT_S3_BUCKET") == "" {
				os.Setenv("ARTIFACT_S3_BUCKET", cfg.ArchiveBucket)
			}
		case "gcs":
			if os.Getenv("ARTIFACT_GCS_BUCKET") == "" {
				os.Setenv("ARTIFACT_GCS_BUCKET", cfg.ArchiveBucket)
			}
		}
	}
	return artifacts.NewStoreFromEnv(ctx)
}

// runArchivalLoop wakes up every interval and, whenever the wall clock has
// rolled into a new UTC day, archives the day that just closed. It never
// returns on a batch failure: the next tick retries the same [last, today)
// range since ArchiveRange is idempotent at the object-key level.
func runArchivalLoop(ctx context.Context, batcher *audit.Batcher, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now().UTC().Truncate(24 * time.Hour)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			today := now.UTC().Truncate(24 * time.Hour)
			if !today.After(last) {
				continue
			}
			keys, err := batcher.ArchiveRange(ctx, last, today)
			if err != nil {
				logger.Error("audit archival failed", "error", err, "from", last, "to", today)
				continue
			}
			if len(keys) > 0 {
				logger.Info("audit archival batch written", "keys", len(keys), "from", last, "to", today)
			}
			last = today
		}
	}
}

// buildSigner resolves the C2 signing priority chain: KMS, then a remote
// signing proxy, then a local key derived deterministically from
// LocalSignerMasterSecret so restarts in non-production environments keep
// signing with the same identity.
func buildSigner(ctx context.Context, cfg *config.Config) *crypto.ChainSigner {
	var kmsClient *kms.Client
	if cfg.AuditSigningKmsKeyID != "" {
		client, err := kms.New(ctx, cfg.AuditSigningKmsKeyID)
		if err != nil {
			log.Fatalf("governor: init kms client: %v", err)
		}
		kmsClient = client
	}

	var proxy *crypto.ProxySigner
	if cfg.SigningProxyURL != "" {
		proxy = crypto.NewProxySigner(cfg.SigningProxyURL)
	}

	local, err := crypto.DeriveLocalSigner([]byte(cfg.LocalSignerMasterSecret), cfg.AuditSignerKid)
	if err != nil {
		log.Fatalf("governor: derive local signer: %v", err)
	}

	var kmsBackend interface {
		Sign(ctx context.Context, digest []byte) (string, error)
		Verify(ctx context.Context, digest []byte, signature string) (bool, error)
		KeyID() string
	}
	if kmsClient != nil {
		kmsBackend = kmsClient
	}

	return crypto.NewChainSigner(kmsBackend, proxy, local, cfg.RequireKms)
}
