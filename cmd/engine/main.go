package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wpautohealer/backend/internal/backup"
	"github.com/wpautohealer/backend/internal/config"
	"github.com/wpautohealer/backend/internal/evidence"
	"github.com/wpautohealer/backend/internal/idempotency"
	"github.com/wpautohealer/backend/internal/incident"
	"github.com/wpautohealer/backend/internal/ingest"
	"github.com/wpautohealer/backend/internal/ops"
	"github.com/wpautohealer/backend/internal/playbook"
	"github.com/wpautohealer/backend/internal/ports"
	"github.com/wpautohealer/backend/internal/safety"
	"github.com/wpautohealer/backend/internal/sshx"
	"github.com/wpautohealer/backend/internal/store"
	"github.com/wpautohealer/backend/internal/vault"
	"github.com/wpautohealer/backend/internal/verify"
)

func main() {
	log.Println("🔥 Starting WordPress auto-healer engine...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using process environment")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config invalid: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential vault and SSH substrate.
	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Vault init failed: %v", err)
	}
	pool := sshx.NewPool(cfg.SSHPoolMaxSize, cfg.SSHPoolMaxIdleTime)
	defer pool.CloseAll()

	// Durable stores: Postgres when configured, in-memory otherwise.
	var (
		incidentStore incident.Store
		directory     sshx.ServerDirectory
		evidenceSink  ports.EvidenceSink
		evidenceRead  ops.EvidenceReader
	)
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Postgres init failed: %v", err)
		}
		defer pg.Close()
		dir, err := store.NewServerDirectory(pg.DB())
		if err != nil {
			log.Fatalf("Server directory init failed: %v", err)
		}
		sink, err := evidence.NewPostgresSink(pg.DB())
		if err != nil {
			log.Fatalf("Evidence store init failed: %v", err)
		}
		incidentStore, directory, evidenceSink, evidenceRead = pg, dir, sink, sink
	} else {
		log.Println("⚠️ DATABASE_URL not set, incidents will not survive a restart")
		memSink := ports.NewMemoryEvidenceSink()
		incidentStore = store.NewMemory()
		directory = sshx.NewMemoryDirectory()
		evidenceSink, evidenceRead = memSink, memSink
	}

	// Job memoisation: Redis when configured, in-memory otherwise.
	var jobs idempotency.Store
	if cfg.RedisAddr != "" {
		rs, err := idempotency.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 0)
		if err != nil {
			log.Fatalf("Redis init failed: %v", err)
		}
		defer rs.Close()
		jobs = rs
	} else {
		log.Println("⚠️ REDIS_ADDR not set, job records will not survive a restart")
		jobs = idempotency.NewMemoryStore()
	}

	executor := sshx.NewExecutor(pool, directory, v)
	executor.SetTimeouts(cfg.SSHConnectionTimeout, cfg.SSHKeepaliveInterval)
	runner := incident.NewSSHRunner(executor)

	backups := backup.NewService(runner)
	verifier := verify.NewService(0)

	orchestrator, registry, err := playbook.NewDefaultOrchestrator(runner, backups, verifier)
	if err != nil {
		log.Fatalf("Playbook catalogue init failed: %v", err)
	}

	breakers := safety.NewBreakerRegistry(safety.BreakerConfig{
		Threshold:       cfg.CircuitBreakerThreshold,
		RecoveryTimeout: cfg.CircuitBreakerTimeout,
	})
	flapping := safety.NewFlappingController(safety.FlappingConfig{
		CooldownWindow: cfg.CooldownWindow,
		MaxIncidents:   cfg.MaxIncidentsPerWindow,
	})
	loops := safety.NewLoopGuard(safety.LoopConfig{
		MaxIterations: cfg.MaxLoopIterations,
		MaxDuration:   cfg.MaxLoopDuration,
		MaxRetries:    cfg.MaxRetries,
	})

	// Escalations go to Pub/Sub when configured, otherwise to the log.
	var escalation ports.EscalationSink
	if cfg.PubSubProjectID != "" {
		esc, err := ingest.NewPubSubEscalations(ctx, cfg.PubSubProjectID, cfg.PubSubEscalationTopic)
		if err != nil {
			log.Fatalf("Escalation topic init failed: %v", err)
		}
		defer esc.Close()
		escalation = esc
	} else {
		escalation = logEscalations{}
	}

	engine := incident.NewEngine(incident.EngineConfig{
		MaxFixAttempts: cfg.MaxFixAttempts,
		MaxRetries:     cfg.MaxRetries,
	}, incident.Deps{
		Store:        incidentStore,
		Jobs:         jobs,
		Breakers:     breakers,
		Flapping:     flapping,
		Loops:        loops,
		Runner:       runner,
		Orchestrator: orchestrator,
		Registry:     registry,
		Backups:      backups,
		Verifier:     verifier,
		Evidence:     evidenceSink,
		Escalation:   escalation,
	})

	// Incident intake: the queue in production, the admin API always.
	manual := ports.NewMemoryIncidentSource(64)
	var source ports.IncidentSource = manual
	if cfg.PubSubProjectID != "" {
		ps, err := ingest.NewPubSubSource(ctx, cfg.PubSubProjectID, cfg.PubSubIncidentTopic, cfg.PubSubIncidentSubscription)
		if err != nil {
			log.Fatalf("Incident subscription init failed: %v", err)
		}
		defer ps.Close()
		source = ps
		go func() {
			if err := manualLoop(ctx, manual, engine); err != nil && ctx.Err() == nil {
				log.Printf("Manual incident loop stopped: %v", err)
			}
		}()
	}

	opsServer := ops.NewServer(cfg.HTTPAddr, incidentStore, evidenceRead, flapping, breakers, registry, manual.Submit)
	go func() {
		if err := opsServer.Start(); err != nil {
			log.Printf("Ops server stopped: %v", err)
			stop()
		}
	}()
	defer func() {
		if err := opsServer.Shutdown(context.Background()); err != nil {
			log.Printf("Ops shutdown: %v", err)
		}
	}()

	if err := engine.Run(ctx, source); err != nil && ctx.Err() == nil {
		log.Fatalf("Engine stopped: %v", err)
	}
	log.Println("Engine shut down cleanly")
}

// manualLoop drains admin-submitted incidents when the queue is the
// primary source.
func manualLoop(ctx context.Context, manual *ports.MemoryIncidentSource, engine *incident.Engine) error {
	return manual.Receive(ctx, engine.Handle)
}

// logEscalations is the escalation sink of last resort.
type logEscalations struct{}

func (logEscalations) Escalate(_ context.Context, incidentID, reason string, _ []playbook.Evidence) error {
	log.Printf("🚨 ESCALATED incident %s: %s", incidentID, reason)
	return nil
}
