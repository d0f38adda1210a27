package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter collects metrics from a converse server.
type Exporter struct {
	address   string
	timeout   time.Duration
	namespace string

	up              *prometheus.Desc
	roomsLive       *prometheus.Desc
	roomsTotal      *prometheus.Desc
	sessionsLive    *prometheus.Desc
	sessionsTotal   *prometheus.Desc
	broadcastsTotal *prometheus.Desc
	presenceTotal   *prometheus.Desc
	presenceDropped *prometheus.Desc
	malloced        *prometheus.Desc
}

var errKeyNotFound = errors.New("key not found")

// NewExporter returns an initialized exporter.
func NewExporter(server, namespace string, timeout time.Duration) *Exporter {
	return &Exporter{
		address:   server,
		timeout:   timeout,
		namespace: namespace,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "up"),
			"If converse instance is reachable.",
			nil,
			nil,
		),
		roomsLive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rooms_live_count"),
			"Number of currently active rooms.",
			nil,
			nil,
		),
		roomsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rooms_total"),
			"Total number of rooms used during instance lifetime.",
			nil,
			nil,
		),
		sessionsLive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_live_count"),
			"Number of currently active sessions.",
			nil,
			nil,
		),
		sessionsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions_total"),
			"Total number of sessions since instance start.",
			nil,
			nil,
		),
		broadcastsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "broadcasts_total"),
			"Total number of events routed to rooms.",
			nil,
			nil,
		),
		presenceTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "presence_updates_total"),
			"Total number of applied presence updates.",
			nil,
			nil,
		),
		presenceDropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "presence_updates_dropped"),
			"Number of presence updates dropped under load.",
			nil,
			nil,
		),
		malloced: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "malloced_bytes"),
			"Number of bytes of memory allocated and in use.",
			nil,
			nil,
		),
	}
}

// Describe describes all the metrics exported by the converse exporter. It
// implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	ch <- e.roomsLive
	ch <- e.roomsTotal
	ch <- e.sessionsLive
	ch <- e.sessionsTotal
	ch <- e.broadcastsTotal
	ch <- e.presenceTotal
	ch <- e.presenceDropped
	ch <- e.malloced
}

// Collect fetches statistics from the configured converse instance, and
// delivers them as Prometheus metrics. It implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	resp, err := http.Get(e.address)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, 0)
		log.Println("Failed to connect to server", err)
		return
	}
	defer resp.Body.Close()

	up := float64(1)

	var stats map[string]interface{}
	err = json.NewDecoder(resp.Body).Decode(&stats)
	if err != nil {
		log.Println("Failed to fetch or parse response", err)
		up = 0
	} else {
		if err := e.parseStats(ch, stats); err != nil {
			up = 0
		}
	}

	ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, up)
}

func (e *Exporter) parseStats(ch chan<- prometheus.Metric, stats map[string]interface{}) error {
	return firstError(
		e.parseAndUpdate(ch, e.roomsLive, prometheus.GaugeValue, stats, "LiveRooms"),
		e.parseAndUpdate(ch, e.roomsTotal, prometheus.CounterValue, stats, "TotalRooms"),
		e.parseAndUpdate(ch, e.sessionsLive, prometheus.GaugeValue, stats, "LiveSessions"),
		e.parseAndUpdate(ch, e.sessionsTotal, prometheus.CounterValue, stats, "TotalSessions"),
		e.parseAndUpdate(ch, e.broadcastsTotal, prometheus.CounterValue, stats, "BroadcastsTotal"),
		e.parseAndUpdate(ch, e.presenceTotal, prometheus.CounterValue, stats, "PresenceUpdatesTotal"),
		e.parseAndUpdate(ch, e.presenceDropped, prometheus.CounterValue, stats, "PresenceUpdatesDropped"),
		e.parseAndUpdate(ch, e.malloced, prometheus.GaugeValue, stats, "memstats.Alloc"),
	)
}

func (e *Exporter) parseAndUpdate(ch chan<- prometheus.Metric, desc *prometheus.Desc, valueType prometheus.ValueType,
	stats map[string]interface{}, key string) error {

	v, err := parseNumeric(stats, key)

	if err == errKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	ch <- prometheus.MustNewConstMetric(desc, valueType, v)
	return nil
}

func firstError(errs ...error) error {
	for _, v := range errs {
		if v != nil {
			return v
		}
	}
	return nil
}

func parseNumeric(stats map[string]interface{}, path string) (float64, error) {
	parts := strings.Split(path, ".")
	var value interface{}
	var found bool
	value = stats
	for i := 0; i < len(parts); i++ {
		subset, ok := value.(map[string]interface{})
		if !ok {
			log.Println("Invalid key path:", path)
			return 0, errKeyNotFound
		}
		value, found = subset[parts[i]]
		if !found {
			log.Println("Invalid key path:", path, "(", parts[i], ")")
			return 0, errKeyNotFound
		}
	}

	floatval, ok := value.(float64)
	if !ok {
		log.Println("Value at path is not a float64:", path, value)
		return 0, errKeyNotFound
	}

	return floatval, nil
}
