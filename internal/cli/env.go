package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/cipherq/internal/channel"
	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/config"
	"github.com/roach88/cipherq/internal/engine"
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/program"
	"github.com/roach88/cipherq/internal/store"
	"github.com/roach88/cipherq/internal/telemetry"
)

// environment is the store, engine and executor channels a command works
// against, built from config.
type environment struct {
	cfg     config.Config
	store   *store.Store
	engine  *engine.Engine
	metrics *telemetry.Metrics

	// outbound carries computations to the executor, throttled when
	// configured; inbox carries its signed results back.
	outbound channel.Submitter
	inbox    channel.Inbox

	// Raw executor-side endpoints, used by run --simulate.
	executorIn  channel.Receiver[ir.Outbound]
	executorOut channel.Sender[ir.SignedOutput]

	redis *redis.Client
}

// openEnvironment opens the database, recovers the engine and registers any
// configured definition missing from the registry.
func openEnvironment(ctx context.Context, cfg config.Config) (*environment, error) {
	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	env := &environment{cfg: cfg, store: st}

	env.openChannels()

	env.metrics, err = telemetry.New()
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	env.engine = engine.New(st, env.outbound,
		engine.WithMetrics(env.metrics),
		engine.WithRecordSerialization(cfg.Dispatch.RecordSerialization),
	)
	if _, err := env.engine.Recover(ctx); err != nil {
		env.Close()
		return nil, WrapExitError(ExitCommandError, "failed to recover engine", err)
	}
	if err := env.ensureDefinitions(ctx); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (env *environment) openChannels() {
	switch env.cfg.Channel.Driver {
	case config.ChannelRedis:
		rc := env.cfg.Channel.Redis
		env.redis = channel.NewRedisClient(rc.Addr, rc.Password, rc.DB)
		out := channel.NewRedis[ir.Outbound](env.redis, rc.OutboundKey).WithPollInterval(rc.PollInterval)
		in := channel.NewRedis[ir.SignedOutput](env.redis, rc.InboundKey).WithPollInterval(rc.PollInterval)
		env.outbound, env.inbox = out, in
		env.executorIn, env.executorOut = out, in
	default:
		out := channel.NewQueue[ir.Outbound]()
		in := channel.NewQueue[ir.SignedOutput]()
		env.outbound, env.inbox = out, in
		env.executorIn, env.executorOut = out, in
	}

	if t := env.cfg.Channel.Throttle; t.PerSecond > 0 {
		env.outbound = channel.NewThrottled[ir.Outbound](env.outbound, t.PerSecond, t.Burst)
	}
}

// definitions compiles the configured definition set.
func (env *environment) definitions() ([]compdef.Definition, error) {
	return loadDefinitions(env.cfg.Definitions)
}

func loadDefinitions(dir string) ([]compdef.Definition, error) {
	var (
		defs []compdef.Definition
		err  error
	)
	if dir == "" {
		defs, err = compdef.Defaults()
	} else {
		defs, err = compdef.LoadDir(dir)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to compile definitions", err)
	}
	if verrs := compdef.ValidateSet(defs); len(verrs) > 0 {
		return nil, WrapExitError(ExitCommandError, "invalid definitions", verrs[0])
	}
	return defs, nil
}

func (env *environment) ensureDefinitions(ctx context.Context) error {
	defs, err := env.definitions()
	if err != nil {
		return err
	}
	for _, def := range defs {
		_, err := env.store.Definition(ctx, def.Kind)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := env.store.RegisterDefinition(ctx, def, env.engine.Clock().Next()); err != nil {
			return WrapExitError(ExitCommandError, "failed to register definition", err)
		}
		slog.Info("definition registered", "kind", def.Kind, "offset", def.Offset)
	}
	return nil
}

// program returns the caller layer over this environment's engine.
func (env *environment) program() *program.Program {
	return program.New(env.engine, env.store, env.cfg.Dispatch.RequiredSigners)
}

// Close releases the metrics provider, the Redis client and the database.
func (env *environment) Close() {
	if env.metrics != nil {
		if err := env.metrics.Shutdown(context.Background()); err != nil {
			slog.Error("error shutting down metrics", "error", err)
		}
	}
	if env.redis != nil {
		if err := env.redis.Close(); err != nil {
			slog.Error("error closing redis client", "error", err)
		}
	}
	if err := env.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
