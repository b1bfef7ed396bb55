package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentVault/internal/api"
	"AgentVault/internal/audit"
	"AgentVault/internal/chain/provider"
	"AgentVault/internal/config"
	"AgentVault/internal/events"
	"AgentVault/internal/keystore"
	"AgentVault/internal/killswitch"
	"AgentVault/internal/observability/alerting"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/policy"
	"AgentVault/internal/session"
	"AgentVault/internal/storage/mysql"
	"AgentVault/internal/txn"
	"AgentVault/internal/wallet"
	"AgentVault/pkg/logger"

	"github.com/joho/godotenv"
)

// main 是托管执行守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("vaultd 运行失败: %v", err)
	}
}

// stores 汇集一套实体存储，按配置选择内存或 MySQL 驱动。
type stores struct {
	wallets   wallet.Store
	sessions  session.Store
	txs       txn.Store
	approvals txn.ApprovalStore
	policies  policy.Store
	auditor   audit.Recorder
	db        *mysql.Database
}

func (s *stores) close() {
	_ = s.wallets.Close()
	_ = s.sessions.Close()
	_ = s.txs.Close()
	_ = s.approvals.Close()
	_ = s.policies.Close()
	_ = s.auditor.Close()
	if s.db != nil {
		_ = s.db.Close()
	}
}

func run(ctx context.Context) error {
	// .env 仅为本地开发便利，不存在时静默跳过。
	_ = godotenv.Load()

	configPath := os.Getenv("VAULTD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "vaultd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Service:     "vaultd",
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	ksStore, err := openKillSwitchStore(cfg)
	if err != nil {
		return err
	}
	defer ksStore.Close()

	bus, err := openEventBus(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	registry, err := provider.NewRegistry(cfg.Chain.ChainConfig, cfg.Chain.DefaultChain)
	if err != nil {
		return err
	}
	defer registry.Close()

	keys, err := keystore.NewFileStore(cfg.Keystore.Dir, os.Getenv("VAULTD_KEYSTORE_PASSPHRASE"))
	if err != nil {
		return err
	}

	notifier := alerting.NewFanout()
	sessions := session.NewService(st.sessions, 24*time.Hour)
	engine := policy.NewEngine(st.policies, st.txs)

	pipeline := txn.NewPipeline(st.txs, st.approvals, st.wallets, sessions, engine,
		registry, keys, bus, st.auditor, notifier,
		txn.PipelineConfig{
			ConfirmTimeout:  cfg.Chain.ConfirmTimeout(),
			ConfirmInterval: cfg.Chain.ConfirmInterval(),
			DefaultDelay:    cfg.Pipeline.DefaultDelay(),
			ApprovalTTL:     cfg.Pipeline.ApprovalTTL(),
		})
	workflow := txn.NewApprovalWorkflow(st.approvals, st.txs, pipeline, st.auditor, bus)
	ks := killswitch.NewService(ksStore, st.sessions, st.txs, st.wallets,
		registry, notifier, st.auditor, bus)

	// 过期审批的后台清理。
	go func() {
		ticker := time.NewTicker(cfg.Pipeline.ApprovalSweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if count, err := workflow.SweepExpired(ctx, now); err != nil {
					logger.L().Error("清理过期审批失败", "error", err)
				} else if count > 0 {
					logger.L().Info("过期审批已清理", "count", count)
				}
			}
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, pipeline, workflow,
		st.txs, st.approvals, st.policies, st.wallets, sessions, ks, st.auditor)

	logger.L().Info("vaultd 启动", "address", cfg.Server.Address,
		"storage", cfg.Storage.Driver, "kill_switch", cfg.KillSwitch.Driver,
		"events", cfg.Events.Driver, "chains", registry.Chains())

	return server.Start(ctx)
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return &stores{
			wallets:   wallet.NewMemoryStore(),
			sessions:  session.NewMemoryStore(),
			txs:       txn.NewMemoryStore(),
			approvals: txn.NewMemoryApprovalStore(),
			policies:  policy.NewMemoryStore(),
			auditor:   audit.NewMemoryRecorder(),
		}, nil

	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		wallets, err := wallet.NewMySQLStore(db.DB())
		if err != nil {
			return nil, err
		}
		sessions, err := session.NewMySQLStore(db.DB())
		if err != nil {
			return nil, err
		}
		txs, err := txn.NewMySQLStore(db.DB())
		if err != nil {
			return nil, err
		}
		approvals, err := txn.NewMySQLApprovalStore(db.DB())
		if err != nil {
			return nil, err
		}
		policies, err := policy.NewMySQLStore(db.DB())
		if err != nil {
			return nil, err
		}
		auditor, err := audit.NewMySQLRecorder(db.DB())
		if err != nil {
			return nil, err
		}
		return &stores{
			wallets:   wallets,
			sessions:  sessions,
			txs:       txs,
			approvals: approvals,
			policies:  policies,
			auditor:   auditor,
			db:        db,
		}, nil

	default:
		return nil, errors.New("未知的存储驱动: " + cfg.Storage.Driver)
	}
}

func openKillSwitchStore(cfg *config.Config) (killswitch.Store, error) {
	switch cfg.KillSwitch.Driver {
	case "", "memory":
		return killswitch.NewMemoryStore(), nil
	case "redis":
		return killswitch.NewRedisStore(killswitch.RedisConfig{
			Address:  cfg.KillSwitch.Redis.Address,
			Password: cfg.KillSwitch.Redis.Password,
			DB:       cfg.KillSwitch.Redis.DB,
			Key:      cfg.KillSwitch.Redis.Key,
		})
	default:
		return nil, errors.New("未知的紧急开关存储驱动: " + cfg.KillSwitch.Driver)
	}
}

func openEventBus(cfg *config.Config) (events.Bus, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryBus(), nil
	case "rabbitmq":
		return events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
	default:
		return nil, errors.New("未知的事件总线驱动: " + cfg.Events.Driver)
	}
}
