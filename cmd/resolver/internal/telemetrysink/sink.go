// Package telemetrysink periodically drains pkg/telemetry's two aggregators
// and writes the result to ClickHouse, the durable store the rest of the
// platform's analytics queries run against.
package telemetrysink

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog"

	"github.com/confidence-resolver/resolver/pkg/config"
	"github.com/confidence-resolver/resolver/pkg/telemetry"
)

// Sink owns the ClickHouse connection and the checkpoint loop.
type Sink struct {
	conn   clickhouse.Conn
	cfg    config.ClickHouseConfig
	logger zerolog.Logger

	resolveLogger *telemetry.ResolveLogger
	assignLogger  *telemetry.AssignLogger

	resolveInterval time.Duration
	assignInterval  time.Duration
	assignLimit     int

	stop chan struct{}
}

// New dials ClickHouse and builds a Sink wired to the given loggers.
func New(cfg config.ClickHouseConfig, resolver *telemetry.ResolveLogger, assign *telemetry.AssignLogger, resolveInterval, assignInterval time.Duration, assignLimit int, logger zerolog.Logger) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Sink{
		conn:            conn,
		cfg:             cfg,
		logger:          logger.With().Str("component", "telemetrysink").Logger(),
		resolveLogger:   resolver,
		assignLogger:    assign,
		resolveInterval: resolveInterval,
		assignInterval:  assignInterval,
		assignLimit:     assignLimit,
		stop:            make(chan struct{}),
	}, nil
}

// Start runs the two independent checkpoint loops until Close is called.
func (s *Sink) Start() {
	go s.loopResolve()
	go s.loopAssign()
}

// Close stops the checkpoint loops and closes the ClickHouse connection.
func (s *Sink) Close() error {
	close(s.stop)
	return s.conn.Close()
}

func (s *Sink) loopResolve() {
	ticker := time.NewTicker(s.resolveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			snapshot := s.resolveLogger.Checkpoint()
			if snapshot.ResolveInfo == nil {
				continue
			}
			if err := s.writeResolveInfo(context.Background(), snapshot.ResolveInfo); err != nil {
				s.logger.Error().Err(err).Msg("failed to write resolve info checkpoint")
			}
		}
	}
}

func (s *Sink) loopAssign() {
	ticker := time.NewTicker(s.assignInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			req := s.assignLogger.CheckpointWithLimit(s.assignLimit, false)
			if len(req.FlagAssigned) == 0 {
				continue
			}
			if err := s.writeFlagAssigned(context.Background(), req.FlagAssigned); err != nil {
				s.logger.Error().Err(err).Msg("failed to write flag_assigned checkpoint")
			}
		}
	}
}

func (s *Sink) writeResolveInfo(ctx context.Context, info *telemetry.ResolveInfoSnapshot) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.cfg.ResolveTable+" (client_instance_id, observed_sdk, resolve_count, flag_name, variant, count, checkpointed_at)")
	if err != nil {
		return err
	}

	now := time.Now()
	for flagName, fs := range info.FlagResolveInfo {
		for variant, count := range fs.VariantCounts {
			if err := batch.Append(info.ClientInstanceID, info.ObservedSDK, info.ResolveCount, flagName, variant, count, now); err != nil {
				return err
			}
		}
	}
	if len(info.FlagResolveInfo) == 0 {
		if err := batch.Append(info.ClientInstanceID, info.ObservedSDK, info.ResolveCount, "", "", int64(0), now); err != nil {
			return err
		}
	}

	return batch.Send()
}

func (s *Sink) writeFlagAssigned(ctx context.Context, events []telemetry.FlagAssigned) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.cfg.AssignTable+" (resolve_id, client, client_credential, sdk, flag, targeting_key, assignment_id, variant, applied_at)")
	if err != nil {
		return err
	}

	for _, ev := range events {
		client, credential, sdk := "", "", ""
		if ev.ClientInfo != nil {
			client, credential, sdk = ev.ClientInfo.Client, ev.ClientInfo.ClientCredential, ev.ClientInfo.SDK
		}
		for _, flag := range ev.Flags {
			variant := ""
			if flag.Assignment != nil {
				variant = flag.Assignment.Variant
			}
			appliedAt := time.Unix(flag.ApplyTime.Seconds, int64(flag.ApplyTime.Nanos))
			if err := batch.Append(ev.ResolveID, client, credential, sdk, flag.Flag, flag.TargetingKey, flag.AssignmentID, variant, appliedAt); err != nil {
				return err
			}
		}
	}

	return batch.Send()
}
