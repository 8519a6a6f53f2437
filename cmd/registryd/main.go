// Command registryd serves the OCI Distribution v2 API described in §4 and
// §6: content-addressed blob/manifest storage, chunked resumable uploads,
// and scope-aware bearer-token authentication.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/ocihub/registry/internal/api"
	"github.com/ocihub/registry/internal/audit"
	"github.com/ocihub/registry/internal/auth"
	"github.com/ocihub/registry/internal/catalog"
	"github.com/ocihub/registry/internal/config"
	"github.com/ocihub/registry/internal/manifest"
	"github.com/ocihub/registry/internal/storagedriver"
	"github.com/ocihub/registry/internal/upload"
	"github.com/ocihub/registry/internal/webhook"
)

func main() {
	cfg := config.Load()
	fmt.Printf("Starting registryd on :%s (storage=%s db=%s)\n", cfg.Port, cfg.StorageRoot, cfg.DBPath)

	store, err := catalog.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}
	defer store.Close()

	driver, err := storagedriver.NewLocalDriver(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("storagedriver: %v", err)
	}

	if err := ensureDefaultAdmin(context.Background(), store, cfg); err != nil {
		log.Printf("warning: could not ensure default admin account: %v", err)
	}

	uploadMgr := upload.NewManager(store, driver)
	manifestEngine := manifest.NewEngine(store, driver)
	authSvc := auth.NewService(store, auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   fmt.Sprintf("http://%s:%s/token", cfg.Host, cfg.Port),
		Service:  "ocihub-registry",
		TokenTTL: cfg.TokenTTL,
	})
	auditSvc := audit.NewService(store.DB())

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("warning: redis unavailable, webhook delivery will be synchronous: %v", err)
			redisClient = nil
		}
	}
	webhookSvc := webhook.NewService(cfg.WebhookURL, redisClient)
	if redisClient != nil {
		go func() {
			if err := webhookSvc.Run(context.Background()); err != nil {
				log.Printf("webhook worker stopped: %v\n", err)
			}
		}()
	}

	swept, err := uploadMgr.SweepStale(context.Background(), cfg.UploadHorizon)
	if err != nil {
		log.Printf("warning: startup upload sweep failed: %v", err)
	} else if swept > 0 {
		fmt.Printf("swept %d stale upload session(s) older than %s\n", swept, cfg.UploadHorizon)
	}

	handler := api.NewHandler(cfg, store, uploadMgr, manifestEngine, authSvc, auditSvc, webhookSvc)
	router := api.NewRouter(handler)

	addr := cfg.Host + ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  0, // uploads can be large and slow; no fixed ceiling
		WriteTimeout: 0,
	}

	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		log.Fatal(srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath))
	}
	log.Fatal(srv.ListenAndServe())
}

// ensureDefaultAdmin creates the configured admin account on first boot, so
// a fresh deployment has at least one user able to grant further scopes.
func ensureDefaultAdmin(ctx context.Context, store *catalog.Store, cfg *config.Config) error {
	if cfg.DefaultAdminPassword == "" {
		return nil
	}
	if _, err := store.GetUserByEmail(ctx, cfg.DefaultAdminEmail); err == nil {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.DefaultAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing default admin password: %w", err)
	}
	_, err = store.CreateUser(ctx, cfg.DefaultAdminEmail, string(hash), true)
	return err
}
