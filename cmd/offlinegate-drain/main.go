// offlinegate-drain periodically asks a running gateway to replay its
// pending queues. It stands in for the platform's connectivity-restored
// signal on hosts where no such signal exists.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("OFFLINEGATE_BASE_URL", "http://127.0.0.1:8099"), "gateway base URL")
	queue := flag.String("queue", strings.TrimSpace(os.Getenv("OFFLINEGATE_DRAIN_QUEUE")), "drain a single queue (empty drains all)")
	interval := flag.Duration("interval", durationEnv("OFFLINEGATE_DRAIN_INTERVAL", 30*time.Second), "drain interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("OFFLINEGATE_DRAIN_INTERVAL_JITTER", 0.2), "drain interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("OFFLINEGATE_DRAIN_TIMEOUT", 15*time.Second), "per-cycle timeout")
	once := flag.Bool("once", false, "run one drain cycle and exit")
	flag.Parse()

	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := &http.Client{Timeout: *timeout}
	base := strings.TrimRight(*baseURL, "/")

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := drainOnce(ctx, client, base, *queue); err != nil {
			log.Printf("drain cycle failed: %v", err)
			return
		}
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("drain loop stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// drainOnce skips the sync call when every queue is already empty, so an
// idle loop costs one status request per cycle.
func drainOnce(ctx context.Context, client *http.Client, base, queue string) error {
	depths, err := queueDepths(ctx, client, base)
	if err != nil {
		return err
	}
	pending := 0
	if queue != "" {
		pending = depths[queue]
	} else {
		for _, depth := range depths {
			pending += depth
		}
	}
	if pending == 0 {
		return nil
	}

	target := base + "/_gateway/sync"
	if queue != "" {
		target += "?queue=" + url.QueryEscape(queue)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sync returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	log.Printf("drained %d pending entries", pending)
	return nil
}

func queueDepths(ctx context.Context, client *http.Client, base string) (map[string]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/_gateway/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}
	var status struct {
		QueueDepths map[string]int `json:"queueDepths"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return status.QueueDepths, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
