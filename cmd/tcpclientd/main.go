// Command tcpclientd keeps TCP connections to the configured targets alive,
// runs their periodic sends and reports every connection event to the log
// and, optionally, to a Redis channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/go-tcpclient/config"
	"github.com/cyberinferno/go-tcpclient/event"
	"github.com/cyberinferno/go-tcpclient/logger"
	"github.com/cyberinferno/go-tcpclient/manager"
	"github.com/cyberinferno/go-tcpclient/resolver"
	"github.com/cyberinferno/go-tcpclient/tcpserver"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults only when empty)")
	listenAddr := flag.String("listen", "", "also run a local peer on this address, e.g. 127.0.0.1:9000")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcpclientd: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Listen.Addr = *listenAddr
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "tcpclientd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}

	return config.LoadAndValidate(path)
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Log.Format == "json" {
		return logger.NewJSONLogger(os.Stdout, cfg.Service.Name, level), nil
	}

	return logger.NewConsoleLogger(cfg.Service.Name, level), nil
}

func run(cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := start(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	<-ctx.Done()
	log.Info("shutting down", logger.F("connections", len(d.manager.Connections())))

	return nil
}

// daemon is everything start brings up; Close tears it down in reverse.
type daemon struct {
	manager *manager.Manager
	peer    *tcpserver.TCPServer
	keep    *keepSender
	closers []func()
}

// start builds the sinks, the optional local peer and the manager, then
// opens every configured target.
func start(ctx context.Context, cfg *config.Config, log logger.Logger) (*daemon, error) {
	d := &daemon{}

	sinks := []event.Sink{event.LogSink(log)}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.closers = append(d.closers, func() { _ = client.Close() })

		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("redis not reachable yet, events will be dropped until it is", logger.Err(err), logger.F("addr", cfg.Redis.Addr))
		}

		sinks = append(sinks, event.NewRedisSink(client, cfg.Redis.Channel, cfg.Redis.PublishTimeout, log))
		log.Info("publishing events to redis", logger.F("addr", cfg.Redis.Addr), logger.F("channel", cfg.Redis.Channel))
	}

	if cfg.Listen.Addr != "" {
		peer := tcpserver.New("listen", cfg.Listen.Addr, log)
		peer.Echo = cfg.Listen.Echo
		peer.OnData = func(sessionID uint32, data []byte) {
			log.Debug("peer received", logger.F("session_id", sessionID), logger.F("bytes", len(data)))
		}
		if err := peer.Start(); err != nil {
			d.Close()
			return nil, err
		}
		d.peer = peer
		d.closers = append(d.closers, peer.Stop)
	}

	d.keep = newKeepSender(log)
	sinks = append(sinks, d.keep)

	template := cfg.Connection.Template()
	d.manager = manager.New(manager.Options{
		Sink:     event.Multi(sinks...),
		Logger:   log,
		Template: &template,
		Resolver: resolver.New(cfg.Resolver.TTL, nil),
	})
	d.keep.bind(d.manager)

	for _, target := range cfg.Targets {
		res, err := d.manager.Connect(manager.ConnectRequest{Host: target.Host, Port: target.Port})
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("connect %s:%d: %w", target.Host, target.Port, err)
		}

		if target.KeepSend == nil {
			continue
		}

		if err := d.keep.add(res.ConnectionID, *target.KeepSend); err != nil {
			d.Close()
			return nil, fmt.Errorf("keep send on connection %d: %w", res.ConnectionID, err)
		}
	}

	log.Info("tcpclientd started", logger.F("targets", len(cfg.Targets)))

	return d, nil
}

// Close stops every connection, then the peer and the Redis client.
func (d *daemon) Close() {
	if d.manager != nil {
		d.manager.Close()
	}

	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}
