package acme

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCertificateFresh(t *testing.T) {
	t.Parallel()

	h := newHarness()
	stored := h.seed("example.com", 45*day)
	m := h.manager()

	rec, err := m.GetCertificate(context.Background(), "Example.com.", h.cfg.Options())
	require.NoError(t, err)
	assert.Equal(t, stored, rec)

	m.Wait()
	assert.Zero(t, h.locker.acquires.Load())
	assert.Zero(t, h.ca.issues.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.lookups.WithLabelValues("fresh")))
}

func TestGetCertificateStaleRenewsInBackground(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.seedAccount()
	release := make(chan struct{})
	h.ca.issue = func(ctx context.Context, req IssueRequest) (*IssuedCertificate, error) {
		<-release
		return &IssuedCertificate{Cert: "NEW-CERT"}, nil
	}
	stored := h.seed("example.com", 10*day)
	m := h.manager()

	rec, err := m.GetCertificate(context.Background(), "example.com", h.cfg.Options())
	require.NoError(t, err)
	assert.Equal(t, stored, rec, "stale record is returned without waiting")

	assert.Eventually(t, func() bool { return h.ca.issues.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	m.Wait()

	updated, err := h.store.GetRecord(context.Background(), "example.com", false)
	require.NoError(t, err)
	assert.Equal(t, "NEW-CERT", updated.Cert)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.lookups.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.renewals.WithLabelValues("issued")))
}

func TestGetCertificateStaleIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.seedAccount()
	h.ca.issue = func(ctx context.Context, req IssueRequest) (*IssuedCertificate, error) {
		time.Sleep(20 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &IssuedCertificate{Cert: "NEW-CERT"}, nil
	}
	h.seed("example.com", 10*day)
	m := h.manager()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.GetCertificate(ctx, "example.com", h.cfg.Options())
	require.NoError(t, err)
	cancel()
	m.Wait()

	updated, err := h.store.GetRecord(context.Background(), "example.com", false)
	require.NoError(t, err)
	assert.Equal(t, "NEW-CERT", updated.Cert)
}

func TestGetCertificateStaleFailureIsNotSurfaced(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.ca.issue = failingIssue
	stored := h.seed("example.com", 10*day)
	m := h.manager()

	rec, err := m.GetCertificate(context.Background(), "example.com", h.cfg.Options())
	require.NoError(t, err)
	assert.Equal(t, stored, rec)
	m.Wait()

	assert.Equal(t, int32(1), h.ca.issues.Load())
	assert.Equal(t, int32(1), h.cooldown.sets.Load())

	// The next stale lookup is gated by the cooldown.
	rec, err = m.GetCertificate(context.Background(), "example.com", h.cfg.Options())
	require.NoError(t, err)
	assert.Equal(t, stored, rec)
	m.Wait()
	assert.Equal(t, int32(1), h.ca.issues.Load())
	assert.Equal(t, int32(1), h.locker.acquires.Load())
}

func TestGetCertificateStaleTriggersShareOneIssuance(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.seedAccount()
	release := make(chan struct{})
	h.ca.issue = func(ctx context.Context, req IssueRequest) (*IssuedCertificate, error) {
		<-release
		return &IssuedCertificate{Cert: "NEW-CERT"}, nil
	}
	h.seed("example.com", 10*day)
	m := h.manager()

	for i := 0; i < 3; i++ {
		_, err := m.GetCertificate(context.Background(), "example.com", h.cfg.Options())
		require.NoError(t, err)
	}
	close(release)
	m.Wait()

	assert.Equal(t, int32(1), h.ca.issues.Load())
}

func TestGetCertificateExpiredRenewsSynchronously(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.seedAccount()
	stored := h.seed("example.com", -time.Hour)
	m := h.manager()

	rec, err := m.GetCertificate(context.Background(), "example.com", h.cfg.Options())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Expires.After(stored.Expires))
	assert.Equal(t, "CERT:example.com", rec.Cert)
	assert.Equal(t, int32(1), h.ca.issues.Load())
}

func TestGetCertificateExpiredFallsBack(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.ca.issue = failingIssue
	stored := h.seed("example.com", -time.Hour)
	m := h.manager()

	rec, err := m.GetCertificate(context.Background(), "example.com", h.cfg.Options())
	require.NoError(t, err)
	assert.Equal(t, stored, rec, "expired record with certificate data is served")
}

func TestGetCertificateExpiredWithoutCertificateFails(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.ca.issue = failingIssue
	h.store.put(&CertificateRecord{Servername: "example.com", Status: StatusPending})
	m := h.manager()

	rec, err := m.GetCertificate(context.Background(), "example.com", h.cfg.Options())
	assert.Nil(t, rec)
	require.ErrorIs(t, err, ErrIssuanceFailed)
	assert.Equal(t, CodeInternal, ErrorCode(err))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
}

func TestGetCertificateLeaseTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.locker.acquireErr = ErrLeaseTimeout
	h.seed("example.com", -time.Hour)
	m := h.manager()

	rec, err := m.GetCertificate(context.Background(), "example.com", h.cfg.Options())
	assert.Nil(t, rec)
	require.ErrorIs(t, err, ErrLeaseTimeout)
	assert.Equal(t, CodeInternal, ErrorCode(err))
}

func TestGetCertificateMissing(t *testing.T) {
	t.Parallel()

	h := newHarness()
	m := h.manager()

	rec, err := m.GetCertificate(context.Background(), "example.com", h.cfg.Options())
	assert.Nil(t, rec)
	require.ErrorIs(t, err, ErrMissingCertificate)
	assert.Equal(t, CodeMissingCertificate, ErrorCode(err))
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.Zero(t, h.locker.acquires.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.lookups.WithLabelValues("missing")))
}

func TestGetCertificateInvalidDomain(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.store.getErr = errors.New("store must not be queried")
	m := h.manager()

	for _, domain := range []string{"", "localhost", "192.0.2.1", "exa mple.com", "a..example.com"} {
		rec, err := m.GetCertificate(context.Background(), domain, h.cfg.Options())
		assert.Nil(t, rec, domain)
		assert.ErrorIs(t, err, ErrInvalidDomain, domain)
		assert.Equal(t, http.StatusBadRequest, StatusCode(err), domain)
	}
}

func TestGetCertificateStoreError(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.store.getErr = errors.New("disk full")
	m := h.manager()

	_, err := m.GetCertificate(context.Background(), "example.com", h.cfg.Options())
	require.Error(t, err)
	assert.Equal(t, CodeInternal, ErrorCode(err))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	m := &Manager{freshnessHorizon: 30 * day, now: func() time.Time { return now }}

	tests := []struct {
		name   string
		record *CertificateRecord
		want   freshness
	}{
		{name: "missing", record: nil, want: stateMissing},
		{name: "fresh", record: &CertificateRecord{Expires: now.Add(30*day + time.Second)}, want: stateFresh},
		{name: "stale at horizon", record: &CertificateRecord{Expires: now.Add(30 * day)}, want: stateStale},
		{name: "stale", record: &CertificateRecord{Expires: now.Add(time.Second)}, want: stateStale},
		{name: "expired now", record: &CertificateRecord{Expires: now}, want: stateExpired},
		{name: "never issued", record: &CertificateRecord{}, want: stateExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.classify(tt.record))
		})
	}
}
