// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// mi-exporter polls NVM subsystem health over MCTP and exposes it as
// Prometheus metrics.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	nvmemi "github.com/dswarbrick/nvme-mi"
)

type endpointConfig struct {
	Network uint32 `yaml:"network"`
	EID     uint8  `yaml:"eid"`
}

type config struct {
	Listen          string           `yaml:"listen"`
	IntervalSeconds int              `yaml:"interval_seconds"`
	Endpoints       []endpointConfig `yaml:"endpoints"`
}

func (c *config) interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func loadConfig(path string) (*config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &config{
		Listen:          ":9998",
		IntervalSeconds: 30,
	}
	if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%s: no endpoints configured", path)
	}
	if cfg.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("%s: poll interval must be positive", path)
	}
	return cfg, nil
}

var (
	labels = []string{"network", "eid"}

	up = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nvme_mi_up",
		Help: "Whether the last health poll of the endpoint succeeded.",
	}, labels)

	temperature = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nvme_mi_composite_temperature_celsius",
		Help: "Composite temperature of the NVM subsystem.",
	}, labels)

	lifeUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nvme_mi_drive_life_used_percent",
		Help: "Percentage of device life used.",
	}, labels)

	smartWarnings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nvme_mi_smart_warnings",
		Help: "SMART / health critical warning bits.",
	}, labels)

	subsysStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nvme_mi_subsystem_status",
		Help: "NVM subsystem status flags.",
	}, labels)
)

func pollEndpoints(root *nvmemi.Root, log *slog.Logger) {
	for _, ep := range root.Endpoints() {
		lv := labelValues(ep)

		health, err := ep.SubsystemHealthPoll(false)
		if err != nil {
			log.Warn("health poll failed", "endpoint", ep.Desc(), "err", err)
			up.WithLabelValues(lv...).Set(0)
			continue
		}

		up.WithLabelValues(lv...).Set(1)
		temperature.WithLabelValues(lv...).Set(float64(health.CompositeTempCelsius()))
		lifeUsed.WithLabelValues(lv...).Set(float64(health.DriveLifeUsed))
		smartWarnings.WithLabelValues(lv...).Set(float64(health.SmartWarnings))
		subsysStatus.WithLabelValues(lv...).Set(float64(health.NSS))
	}
}

func labelValues(ep *nvmemi.Endpoint) []string {
	t := ep.MCTPAddr()
	return []string{fmt.Sprint(t.Network), fmt.Sprint(t.EID)}
}

func main() {
	configPath := flag.String("config", "mi-exporter.yaml", "path to configuration file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("loading config", "err", err)
		os.Exit(1)
	}

	root := nvmemi.NewRoot(nvmemi.WithLogger(log))
	defer root.Close()

	for _, epc := range cfg.Endpoints {
		if _, err := root.OpenMCTP(epc.Network, epc.EID); err != nil {
			log.Error("opening endpoint", "network", epc.Network, "eid", epc.EID, "err", err)
			os.Exit(1)
		}
	}

	prometheus.MustRegister(up, temperature, lifeUsed, smartWarnings, subsysStatus)

	go func() {
		for {
			pollEndpoints(root, log)
			time.Sleep(cfg.interval())
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	log.Info("listening", "addr", cfg.Listen)
	if err := http.ListenAndServe(cfg.Listen, nil); err != nil {
		log.Error("http server", "err", err)
		os.Exit(1)
	}
}
