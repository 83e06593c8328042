package routing

import (
	"context"
	"errors"
	"strings"

	log "github.com/charmbracelet/log"

	"github.com/echoflow/gateway/pkg/store"
)

type credential struct {
	source KeySource
	apiKey string
}

type platformKeyResolution struct {
	key           string
	misconfigured bool
}

// resolvePlatformKey selects the deployment credential. In production the
// environment-specific key wins and the generic key is only trusted when it
// is distinguishable from the dev key: a dev key leaking into a production
// deployment is indistinguishable from no key at all.
func resolvePlatformKey(cfg platformKeyConfig) platformKeyResolution {
	generic := strings.TrimSpace(cfg.generic)
	dev := strings.TrimSpace(cfg.dev)
	prod := strings.TrimSpace(cfg.prod)

	if cfg.production {
		key := prod
		if key == "" {
			key = generic
		}
		if key == "" || (dev != "" && key == dev) {
			return platformKeyResolution{misconfigured: true}
		}
		return platformKeyResolution{key: key}
	}

	key := dev
	if key == "" {
		key = prod
	}
	if key == "" {
		key = generic
	}
	if key == "" {
		return platformKeyResolution{misconfigured: true}
	}
	return platformKeyResolution{key: key}
}

// platformKeyConfig is the slice of configuration resolvePlatformKey depends
// on, kept narrow so tests do not have to build a full config.Config.
type platformKeyConfig struct {
	production bool
	generic    string
	prod       string
	dev        string
}

func (r *Router) platformKeyConfig() platformKeyConfig {
	return platformKeyConfig{
		production: r.cfg.IsProduction(),
		generic:    r.cfg.AI.PlatformAPIKey,
		prod:       r.cfg.AI.PlatformProdAPIKey,
		dev:        r.cfg.AI.PlatformDevAPIKey,
	}
}

type userKeyState struct {
	hasRow     bool
	apiKey     string
	last4      string
	decryptErr bool
}

// resolveUserKey fetches and decrypts the user's BYOK credential. All
// failures come back as state, never as errors: a missing row and a
// corrupted row are both legitimate outcomes that drive different fallback
// messaging.
func (r *Router) resolveUserKey(ctx context.Context, userID string) userKeyState {
	rec, err := r.ledger.GetUserKey(ctx, userID)
	if errors.Is(err, store.ErrNoUserKey) {
		return userKeyState{}
	}
	if err != nil {
		log.Warn("unable to fetch user BYOK state", "user", userID, "err", err)
		return userKeyState{}
	}
	if strings.TrimSpace(rec.EncryptedKey) == "" {
		return userKeyState{}
	}
	if r.cipher == nil {
		log.Error("BYOK encryption secret not configured; stored key unusable", "user", userID)
		return userKeyState{hasRow: true, last4: rec.Last4, decryptErr: true}
	}
	apiKey, err := r.cipher.Decrypt(rec.EncryptedKey)
	if err != nil {
		log.Error("failed to decrypt user BYOK key", "user", userID, "err", err)
		return userKeyState{hasRow: true, last4: rec.Last4, decryptErr: true}
	}
	return userKeyState{hasRow: true, apiKey: apiKey, last4: rec.Last4}
}
