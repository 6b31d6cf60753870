package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/crypto/ssh"

	"gatewarden/internal/audit"
	"gatewarden/internal/auth"
	"gatewarden/internal/config"
	"gatewarden/internal/guard"
	"gatewarden/internal/policy"
	"gatewarden/internal/proxy"
	"gatewarden/internal/rbac"
	"gatewarden/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[BOOT] Failed to load config from %q: %v", *configPath, err)
	}

	hostKey, err := loadOrGenerateHostKey(cfg.Server.HostKeyPath)
	if err != nil {
		log.Fatalf("[BOOT] Failed to load host key: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	policyStore, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[BOOT] Failed to initialise policy store: %v", err)
	}
	defer closeStore()

	if cfg.Policy.CacheFreshness > 0 {
		policyStore = policy.NewCachingStore(policyStore, cfg.Policy.CacheFreshness)
		log.Printf("[BOOT] Policy cache enabled (freshness=%s)", cfg.Policy.CacheFreshness)
	}

	credGuard := guard.New(cfg.GuardConfig())
	authenticator := auth.New(policyStore, credGuard)
	authorizer := rbac.New(policyStore)

	streamer := audit.NewStreamer(audit.StreamerConfig{})
	defer streamer.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv, err := proxy.NewServer(addr, hostKey, authenticator, authorizer, policyStore, proxy.Options{
		Limits: proxy.LimitsConfig{
			MaxConnections:     cfg.Limits.MaxConnections,
			MaxChannelsPerConn: cfg.Limits.MaxChannelsPerConn,
		},
		Security: proxy.SecurityConfig{
			Blocklist:        cfg.Security.Blocklist,
			BlockDisconnects: cfg.Security.OnBlock == "disconnect",
		},
		Audit: proxy.AuditConfig{
			StoragePath: cfg.Audit.StoragePath,
			RecordInput: cfg.Audit.RecordInput,
		},
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		MaxAuthTries:     cfg.Server.MaxAuthTries,
		ExtraSink:        streamer,
	})
	if err != nil {
		log.Fatalf("[BOOT] Failed to create server: %v", err)
	}

	log.Printf("[BOOT] Gatewarden bastion starting on %s (policy backend: %s)",
		addr, cfg.Policy.Backend)

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("[BOOT] Server error: %v", err)
	}

	log.Println("[BOOT] Gatewarden stopped cleanly.")
}

// buildStore constructs the configured policy store backend. The seed
// from the config file populates the memory backend directly; with the
// postgres backend it is upserted at startup so a fresh database can be
// bootstrapped from config alone.
func buildStore(ctx context.Context, cfg *config.Config) (policy.Store, func(), error) {
	switch cfg.Policy.Backend {
	case "memory":
		mem, err := cfg.BuildMemoryStore()
		if err != nil {
			return nil, nil, err
		}
		log.Printf("[BOOT] Policy store: memory (%d identities seeded)", len(cfg.Policy.Identities))
		return mem, func() {}, nil

	case "postgres":
		pg, err := store.New(ctx, cfg.Policy.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := seedPostgres(ctx, cfg, pg); err != nil {
			pg.Close()
			return nil, nil, err
		}
		log.Printf("[BOOT] Policy store: postgres")
		return pg, func() { pg.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown policy backend %q", cfg.Policy.Backend)
}

func seedPostgres(ctx context.Context, cfg *config.Config, pg *store.PostgresStore) error {
	seed, err := cfg.BuildMemoryStore()
	if err != nil {
		return err
	}
	for _, si := range cfg.Policy.Identities {
		id, err := seed.GetIdentity(ctx, si.Username)
		if err != nil {
			return err
		}
		if err := pg.UpsertIdentity(ctx, *id); err != nil {
			return err
		}
	}
	for _, sr := range cfg.Policy.Roles {
		grants, err := seed.GrantsFor(ctx, sr.Name)
		if err != nil {
			return err
		}
		if err := pg.UpsertRole(ctx, policy.Role{Name: sr.Name, Grants: grants}); err != nil {
			return err
		}
	}
	for _, st := range cfg.Policy.Targets {
		target, err := seed.GetTarget(ctx, st.Name)
		if err != nil {
			return err
		}
		if err := pg.UpsertTarget(ctx, *target); err != nil {
			return err
		}
	}
	return nil
}

func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key from %q: %w", path, err)
		}
		log.Printf("[BOOT] Loaded host key from %q", path)
		return signer, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read host key file %q: %w", path, err)
	}

	log.Printf("[BOOT] Host key file %q not found — generating ephemeral RSA key (dev only)", path)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral host key: %w", err)
	}
	return ssh.NewSignerFromKey(key)
}
