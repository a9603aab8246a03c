// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckerDegradesOnFailingCheck(t *testing.T) {
	checker := NewChecker(time.Minute)
	checker.Register("backend", func(ctx context.Context) error { return nil })
	checker.Register("channel_pool", func(ctx context.Context) error {
		return errors.New("channel pool exhausted: 8 active, 0 idle")
	})

	status, checks := checker.Health(context.Background())
	if status != StatusDegraded {
		t.Errorf("status = %q, want %q", status, StatusDegraded)
	}
	for _, c := range checks {
		if c.Name != "channel_pool" {
			continue
		}
		if c.Status != StatusUnhealthy {
			t.Errorf("channel_pool status = %q, want %q", c.Status, StatusUnhealthy)
		}
		if c.Message == "" {
			t.Error("failing check recorded no message")
		}
	}
}

func TestReadinessFailsWhileHealthStaysUp(t *testing.T) {
	checker := NewChecker(time.Minute)
	checker.Register("channel_pool", func(ctx context.Context) error {
		return errors.New("channel pool exhausted: 8 active, 0 idle")
	})

	rec := httptest.NewRecorder()
	checker.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	// A degraded proxy keeps answering the health endpoint with 200.
	rec = httptest.NewRecorder()
	checker.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadinessRecoversWithCheck(t *testing.T) {
	var failing bool
	checker := NewChecker(time.Nanosecond)
	checker.Register("circuit_breaker", func(ctx context.Context) error {
		if failing {
			return errors.New("circuit breaker open")
		}
		return nil
	})

	rec := httptest.NewRecorder()
	checker.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readiness status = %d, want %d", rec.Code, http.StatusOK)
	}

	failing = true
	rec = httptest.NewRecorder()
	checker.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestCheckerCachesResults(t *testing.T) {
	calls := 0
	checker := NewChecker(time.Minute)
	checker.Register("backend", func(ctx context.Context) error {
		calls++
		return nil
	})

	checker.Health(context.Background())
	checker.Health(context.Background())
	if calls != 1 {
		t.Errorf("check ran %d times within the cache TTL, want 1", calls)
	}
}
