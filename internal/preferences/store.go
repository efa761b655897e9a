// Package preferences implements the read/write mapping from
// (doctor_id, original_term) -> {preferred_term, confidence}, backed
// by Redis.
package preferences

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/platform/apierr"
	"github.com/clinext/extraction-engine/internal/platform/logger"
)

// ThetaApply is the default minimum confidence for a preference entry
// to be applied during generation.
const ThetaApply = 0.7

// Store is the capability interface for reading/writing per-doctor
// preferences and for taking a read-only snapshot at job start.
type Store interface {
	Get(ctx context.Context, doctorID string) (domain.DoctorPreferences, error)
	Put(ctx context.Context, doctorID string, entries map[string]domain.PreferenceEntry) error
	// Snapshot returns the preferences applicable at job start, merged
	// with any request-supplied overlay (request wins). The result is
	// read-only for the job.
	Snapshot(ctx context.Context, doctorID string, requestOverlay map[string]string, thetaApply float64) map[string]string
}

type store struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewFromEnv(log *logger.Logger) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("preferences: logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("preferences: missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("preferences: redis ping: %w", err)
	}

	return &store{log: log.With("service", "PreferenceStore"), rdb: rdb}, nil
}

func redisKey(doctorID string) string { return "doctor_prefs:" + doctorID }

func (s *store) Get(ctx context.Context, doctorID string) (domain.DoctorPreferences, error) {
	raw, err := s.rdb.Get(ctx, redisKey(doctorID)).Bytes()
	if err == goredis.Nil {
		return domain.DoctorPreferences{DoctorID: doctorID, Entries: map[string]domain.PreferenceEntry{}}, nil
	}
	if err != nil {
		return domain.DoctorPreferences{}, apierr.DependencyUnavailable(err)
	}
	var entries map[string]domain.PreferenceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return domain.DoctorPreferences{}, apierr.InternalError(fmt.Errorf("preferences: decode: %w", err))
	}
	return domain.DoctorPreferences{DoctorID: doctorID, Entries: entries}, nil
}

func (s *store) Put(ctx context.Context, doctorID string, entries map[string]domain.PreferenceEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return apierr.InternalError(err)
	}
	if err := s.rdb.Set(ctx, redisKey(doctorID), raw, 0).Err(); err != nil {
		return apierr.DependencyUnavailable(err)
	}
	return nil
}

// Snapshot loads the stored preferences (best-effort: a lookup
// failure yields an empty snapshot rather than failing the job, so the
// job proceeds without preference substitution), overlays the
// request-supplied map (request wins on key collision), and filters
// to entries with confidence >= thetaApply.
func (s *store) Snapshot(ctx context.Context, doctorID string, requestOverlay map[string]string, thetaApply float64) map[string]string {
	if thetaApply <= 0 {
		thetaApply = ThetaApply
	}
	out := map[string]string{}

	stored, err := s.Get(ctx, doctorID)
	if err != nil {
		s.log.Warn("preferences snapshot: stored lookup failed, proceeding without it", "doctor_id", doctorID, "error", err)
	} else {
		for original, entry := range stored.Entries {
			if entry.Confidence >= thetaApply {
				out[original] = entry.Preferred
			}
		}
	}

	for original, preferred := range requestOverlay {
		out[original] = preferred
	}
	return out
}
