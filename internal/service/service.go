package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	redis_ipc "github.com/rescoot/redis-ipc"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/librescoot/cellular-service/internal/automaton"
	"github.com/librescoot/cellular-service/internal/config"
	"github.com/librescoot/cellular-service/internal/datacache"
	"github.com/librescoot/cellular-service/internal/hardware"
	"github.com/librescoot/cellular-service/internal/inhibitor"
	"github.com/librescoot/cellular-service/internal/metrics"
	"github.com/librescoot/cellular-service/internal/modem"
	"github.com/librescoot/cellular-service/internal/systemd"
	"github.com/librescoot/cellular-service/internal/telemetry"
)

const serviceName = "cellular-service"

// Lifecycle is the part of the automaton the command lists drive.
type Lifecycle interface {
	RadioOn() bool
	ModemPowerOn() bool
	SetPolling(on bool) bool
	ModemEvent(ev modem.Event) bool
}

// TargetWriter records a new target state in the data cache.
type TargetWriter interface {
	WriteTarget(target datacache.TargetState) error
}

type Service struct {
	config        *config.Config
	logger        zerolog.Logger
	redis         *redis_ipc.Client
	standardRedis *redis.Client
	store         *datacache.Store
	bus           *dbus.Conn
	gpio          *hardware.GPIOManager
	modem         *modem.ModemManager
	metrics       *metrics.Collector
	nats          *nats.Conn
	automaton     *automaton.Automaton

	lifecycle Lifecycle
	targets   TargetWriter
}

func New(cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	redisConfig := redis_ipc.Config{
		Address:       cfg.RedisHost,
		Port:          cfg.RedisPort,
		RetryInterval: 5 * time.Second,
		MaxRetries:    3,
	}

	redisClient, err := redis_ipc.New(redisConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}

	// Standard client for the data cache hashes and their pub/sub
	standardRedisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		DB:   0,
	})

	s := &Service{
		config:        cfg,
		logger:        logger,
		redis:         redisClient,
		standardRedis: standardRedisClient,
		store:         datacache.NewStore(standardRedisClient, logger),
		metrics:       metrics.New(),
	}
	s.targets = &ipcTargetWriter{redis: redisClient}

	params, err := s.loadParams()
	if err != nil {
		s.close()
		return nil, err
	}

	gpio, err := hardware.NewGPIOManager(hardware.GPIOConfig{
		Chip:     cfg.GPIOChip,
		PowerKey: cfg.GPIOPowerKey,
		Reset:    cfg.GPIOReset,
	}, logger, cfg.DryRun)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create GPIO manager: %w", err)
	}
	s.gpio = gpio

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	s.bus = bus
	s.modem = modem.NewModemManager(bus, gpio, logger)

	clock := clockwork.NewRealClock()
	observers := automaton.Observers{s.metrics}
	if cfg.NATSURL != "" {
		nc, err := telemetry.Connect(cfg.NATSURL, serviceName, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("lifecycle telemetry disabled")
		} else {
			s.nats = nc
			observers = append(observers, telemetry.NewMirror(nc, cfg.NATSSubject, clock, logger))
		}
	}

	var inhibit automaton.Inhibitor
	if cfg.InhibitorSocket != "" {
		inhibit = inhibitor.NewSocket(cfg.InhibitorSocket, logger)
	} else {
		inhibit = inhibitor.NewHash(standardRedisClient, serviceName, cfg.FotaTimeout, clock, logger)
	}

	a, err := automaton.New(cfg.Automaton(), params, automaton.Deps{
		Modem:     s.modem,
		Publisher: s.store,
		Observer:  observers,
		Rebooter:  systemd.NewClient(logger, cfg.DryRun),
		Inhibitor: inhibit,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create automaton: %w", err)
	}
	s.automaton = a
	s.lifecycle = a

	return s, nil
}

// loadParams layers the built-in defaults, the params file and the
// cellular:params hash.
func (s *Service) loadParams() (datacache.Params, error) {
	const maxRetries = 10
	const retryDelay = 500 * time.Millisecond

	params, err := config.LoadParams(afero.NewOsFs(), s.config.ParamsFile, datacache.DefaultParams())
	if err != nil {
		return params, err
	}

	ctx := context.Background()
	for i := range maxRetries {
		p, err := s.store.ReadParams(ctx, params)
		if err == nil {
			s.logger.Info().
				Int("slots", len(p.SimSlots)).
				Str("target", string(p.TargetState)).
				Bool("nfmc", p.NFMCActive).
				Msg("cellular parameters loaded")
			return p, nil
		}

		if i < maxRetries-1 {
			s.logger.Warn().Err(err).
				Int("attempt", i+1).
				Int("max", maxRetries).
				Msg("failed to read cellular parameters, retrying")
			time.Sleep(retryDelay)
		}
	}

	s.logger.Warn().Msg("using cellular parameters without the Redis overrides")
	return params, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer s.close()

	if err := s.modem.Start(); err != nil {
		return fmt.Errorf("failed to start modem service: %w", err)
	}

	s.redis.HandleRequests("scooter:cellular", s.onCellularCommand)
	s.redis.HandleRequests("scooter:modem", s.onModemCommand)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.automaton.Run(gctx)
	})
	g.Go(func() error {
		return s.store.Watch(gctx, s.automaton.CacheChanged)
	})
	if s.config.MetricsAddr != "" {
		g.Go(func() error {
			return s.metrics.Serve(gctx, s.config.MetricsAddr, s.logger)
		})
	}

	s.lifecycle.RadioOn()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) onCellularCommand(data []byte) error {
	cmd, err := ParseCellularCommand(string(data))
	if err != nil {
		s.logger.Warn().Err(err).Msg("ignoring cellular command")
		return err
	}
	return s.apply(cmd)
}

func (s *Service) onModemCommand(data []byte) error {
	cmd, err := ParseModemCommand(string(data))
	if err != nil {
		s.logger.Warn().Err(err).Msg("ignoring modem command")
		return err
	}
	return s.apply(cmd)
}

func (s *Service) apply(cmd Command) error {
	var queued bool
	switch cmd.Type {
	case CommandRadioOn:
		queued = s.lifecycle.RadioOn()
	case CommandModemPowerOn:
		queued = s.lifecycle.ModemPowerOn()
	case CommandPolling:
		queued = s.lifecycle.SetPolling(cmd.On)
	case CommandModemEvent:
		queued = s.lifecycle.ModemEvent(cmd.Event)
	case CommandTarget:
		s.logger.Info().Str("target", string(cmd.Target)).Msg("target state requested")
		return s.targets.WriteTarget(cmd.Target)
	default:
		return fmt.Errorf("unhandled command type %d", cmd.Type)
	}
	if !queued {
		return errors.New("automaton busy, command dropped")
	}
	return nil
}

func (s *Service) close() {
	if s.modem != nil {
		s.modem.Close()
	}
	if s.gpio != nil {
		if err := s.gpio.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close GPIO lines")
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.nats != nil {
		if err := s.nats.Drain(); err != nil {
			s.nats.Close()
		}
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close Redis client")
	}
	if err := s.standardRedis.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close Redis data cache client")
	}
}

// ipcTargetWriter sets the cellular:target hash the way any other service
// would, so the change reaches the automaton through the data cache watch.
type ipcTargetWriter struct {
	redis *redis_ipc.Client
}

func (w *ipcTargetWriter) WriteTarget(target datacache.TargetState) error {
	tx := w.redis.NewTxGroup("cellular-target")

	tx.Add("HSET", datacache.KeyTarget, "state", string(datacache.ServiceOn))
	tx.Add("HSET", datacache.KeyTarget, "target", string(target))
	tx.Add("PUBLISH", datacache.KeyTarget, "target")

	if _, err := tx.Exec(); err != nil {
		return fmt.Errorf("failed to write target state: %w", err)
	}
	return nil
}
