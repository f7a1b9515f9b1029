package session

import (
	"context"
	"errors"
	"time"

	"github.com/jaydenbeard/securechat/internal/e2ee"
	"github.com/jaydenbeard/securechat/internal/metrics"
)

// replenishLoop keeps the server-side bundle healthy: it polls the prekey
// status on a timer and tops up one-time prekeys and rotates the signed
// prekey as needed. Errors are logged, never propagated; the next tick
// retries.
func (m *Manager) replenishLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TransportTimeout)
			if err := m.replenishOnce(ctx); err != nil {
				m.logger.Printf("replenishment: %v", err)
				metrics.ReplenishRuns.WithLabelValues(m.userID, "error").Inc()
			} else {
				metrics.ReplenishRuns.WithLabelValues(m.userID, "ok").Inc()
			}
			cancel()
		}
	}
}

// replenishOnce runs one replenishment pass.
func (m *Manager) replenishOnce(ctx context.Context) error {
	status, err := m.tr.PreKeyStatus(ctx)
	if err != nil {
		return err
	}

	if status.OneTimePreKeyCount < m.cfg.ServerPreKeyMinimum {
		deficit := m.cfg.OneTimePreKeyTarget - status.OneTimePreKeyCount
		if deficit > 0 {
			n := deficit
			if n > m.cfg.MaxUploadPreKeys {
				n = m.cfg.MaxUploadPreKeys
			}
			if _, err := m.keys.GenerateOneTimePreKeys(n); err != nil {
				return err
			}
			metrics.PreKeysGenerated.WithLabelValues(m.userID).Add(float64(n))
		}
	}

	if m.signedPreKeyExpired(status) {
		if _, err := m.keys.RotateSignedPreKey(); err != nil {
			return err
		}
		metrics.SignedPreKeyRotations.WithLabelValues(m.userID).Inc()
	}

	upload, err := m.keys.PendingBundle()
	if err != nil {
		return err
	}
	if upload.Empty() {
		return nil
	}
	if err := m.tr.UploadPreKeys(ctx, upload); err != nil {
		return err
	}
	if err := m.keys.MarkBundleUploaded(upload); err != nil {
		return err
	}
	metrics.PreKeysUploaded.WithLabelValues(m.userID).Add(float64(len(upload.OneTimePreKeys)))
	m.logger.Printf("uploaded bundle: %d one-time prekeys, signed prekey %v",
		len(upload.OneTimePreKeys), upload.SignedPreKey != nil)
	return nil
}

// signedPreKeyExpired reports whether the server's signed prekey is missing
// or past its TTL. A rotation staged locally but not yet uploaded also
// counts as fresh, so back-to-back passes don't double-rotate.
func (m *Manager) signedPreKeyExpired(status *e2ee.PreKeyStatus) bool {
	spk, err := m.keys.CurrentSignedPreKey()
	if errors.Is(err, e2ee.ErrNotFound) {
		// No local signed prekey (fresh install or identity reset): whatever
		// the server reports belongs to a dead identity.
		return true
	}
	if err != nil {
		return true
	}
	if !spk.Uploaded {
		return false
	}
	if time.Since(spk.CreatedAt) <= m.cfg.SignedPreKeyTTL && status.SignedPreKeyID == spk.KeyID {
		return false
	}
	if status.SignedPreKeyCreatedAt == nil {
		return true
	}
	created := time.UnixMilli(*status.SignedPreKeyCreatedAt)
	return time.Since(created) > m.cfg.SignedPreKeyTTL
}
