package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"time"

	backoffv4 "github.com/cenkalti/backoff/v4"

	"github.com/mwynne/switchyard/internal/kernel/model"
)

// BackoffConfig tunes per-station retry delays.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

func defaultBackoffConfig() BackoffConfig {
	// Jitter defaults off so retry timing stays deterministic; it can be
	// enabled via `retry.backoff.jitter=true`.
	return BackoffConfig{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

func backoffConfigFor(g *model.Graph, st *model.Station) BackoffConfig {
	cfg := defaultBackoffConfig()
	get := func(key string) string {
		if v := st.Attr(key, ""); v != "" {
			return v
		}
		if g != nil {
			return g.Attr(key, "")
		}
		return ""
	}
	if v := get("retry.backoff.initial_delay_ms"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.InitialDelayMS = n
		}
	}
	if v := get("retry.backoff.backoff_factor"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.BackoffFactor = f
		}
	}
	if v := get("retry.backoff.max_delay_ms"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxDelayMS = n
		}
	}
	if v := get("retry.backoff.jitter"); v != "" {
		cfg.Jitter = strings.EqualFold(v, "true")
	}
	return cfg
}

// delayForAttempt computes an exponential delay for a retry attempt
// (1-indexed). Jitter, when enabled, is derived from a seed so the same run
// replays with the same timing.
func delayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 && delay > float64(cfg.MaxDelayMS) {
		delay = float64(cfg.MaxDelayMS)
	}
	if cfg.Jitter {
		sum := sha256.Sum256([]byte(jitterSeed + "#" + strconv.Itoa(attempt)))
		frac := float64(binary.BigEndian.Uint32(sum[:4])) / float64(math.MaxUint32)
		delay *= 0.5 + frac // 0.5x..1.5x
	}
	return time.Duration(delay) * time.Millisecond
}

// flowRerunBackoff waits between flow-level reruns of an exhausted microloop.
// Unlike per-station retries, these waits need no determinism, so the
// standard exponential backoff is used directly.
func flowRerunBackoff() backoffv4.BackOff {
	b := backoffv4.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // the rerun budget bounds the loop, not wall time
	return b
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
