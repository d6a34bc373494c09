/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package bootstrap wires the daemon together: config, logging,
// discovery, the store tree, the batch listener, the tail sources, the
// periodic checker and the ops endpoint, all inside one run group.
package bootstrap

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverlog-project/riverlog/pkg/agent"
	"github.com/riverlog-project/riverlog/pkg/appconfig"
	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/discovery"
	"github.com/riverlog-project/riverlog/pkg/logger"
	"github.com/riverlog-project/riverlog/pkg/server"
	"github.com/riverlog-project/riverlog/pkg/stat"
	"github.com/riverlog-project/riverlog/pkg/store"
	"github.com/riverlog-project/riverlog/pkg/tail"
	"github.com/riverlog-project/riverlog/pkg/wire"
	"go.uber.org/zap"
)

// Bootstrap builds everything and blocks until shutdown.
func Bootstrap(configPath string) error {
	if err := appconfig.Load(configPath); err != nil {
		return err
	}
	cfg := &appconfig.StdAgentConfig

	logger.DebugEnabled = cfg.Debug
	if cfg.LogDir != "" {
		logger.Setup(cfg.LogDir, cfg.ConsoleLog)
	}
	logger.Infoz("[bootstrap] starting riverlogd",
		zap.String("instance", appconfig.InstanceID()),
		zap.String("config", configPath))

	resolver, err := buildResolver(cfg)
	if err != nil {
		return err
	}
	factory := store.NewFactory(resolver, wire.NewConnPool())

	storeCfg, err := loadStoreConfig(cfg.StoreConfig)
	if err != nil {
		return err
	}
	a, err := agent.New(factory, storeCfg, time.Duration(cfg.CheckIntervalSeconds)*time.Second)
	if err != nil {
		return err
	}

	stat.Default().Start()
	defer stat.Default().Stop()

	var group run.Group

	// signal handler
	{
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		stop := make(chan struct{})
		group.Add(func() error {
			select {
			case sig := <-sigCh:
				logger.Infoz("[bootstrap] signal received", zap.String("signal", sig.String()))
				return nil
			case <-stop:
				return nil
			}
		}, func(error) {
			close(stop)
		})
	}

	// periodic checker
	group.Add(func() error {
		a.RunPeriodicChecker()
		return nil
	}, func(error) {
		a.Stop()
	})

	// batch listener
	if cfg.Listen != "" {
		srv := server.New(cfg.Listen, a)
		group.Add(func() error {
			return srv.Serve()
		}, func(error) {
			srv.Stop()
		})
	}

	// tail sources
	for _, tc := range cfg.Tails {
		source := tail.NewTailSource(tc.Path, tc.Category, a)
		group.Add(func() error {
			source.Run()
			return nil
		}, func(error) {
			source.Stop()
		})
		logger.Infoz("[bootstrap] tailing file",
			zap.String("path", tc.Path),
			zap.String("category", source.Category()))
	}

	// ops endpoint
	if cfg.OpsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(stat.Default().PrometheusRegistry(), promhttp.HandlerOpts{}))
		opsServer := &http.Server{Addr: cfg.OpsListen, Handler: mux}
		group.Add(func() error {
			err := opsServer.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}, func(error) {
			opsServer.Close()
		})
	}

	return group.Run()
}

func loadStoreConfig(path string) (*conf.Config, error) {
	if path == "" {
		return nil, errors.New("store_config is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read store config %s", path)
	}
	return conf.ParseYAML(data)
}

// buildResolver loads the static service table from the daemon config.
func buildResolver(cfg *appconfig.AgentConfig) (discovery.Resolver, error) {
	resolver := discovery.NewStaticResolver()
	for service, addrs := range cfg.Services {
		endpoints := make([]discovery.Endpoint, 0, len(addrs))
		for _, addr := range addrs {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrapf(err, "service %s endpoint %s", service, addr)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, errors.Wrapf(err, "service %s endpoint %s", service, addr)
			}
			endpoints = append(endpoints, discovery.Endpoint{Host: host, Port: port})
		}
		resolver.Put(service, endpoints...)
	}
	return resolver, nil
}
