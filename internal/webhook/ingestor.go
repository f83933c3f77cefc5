// Package webhook turns Plex playback webhooks into watch history.
//
// Plex posts an event for every play, pause, resume, stop and scrobble. The
// ingestor keeps the playback state of each (user, item) pair in Redis and
// records a play once it is scrobbled or stopped past the completion
// threshold.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"movie-history-sync/internal/history"
	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/matcher"
	"movie-history-sync/internal/models"
	"movie-history-sync/internal/provider"
	"movie-history-sync/internal/provider/plex"
	"movie-history-sync/internal/store"
	"movie-history-sync/internal/telemetry"
)

var (
	// ErrUnknownWebhook means no user owns the webhook id.
	ErrUnknownWebhook = errors.New("unknown webhook")
	// ErrInvalidSignature means the X-Plex-Signature header did not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Store is the persistence the ingestor needs.
type Store interface {
	history.Store
	IntegrationByWebhookID(ctx context.Context, webhookID string) (models.Integration, error)
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.Job, error)
}

// Notifier wakes the worker after a deferred job was enqueued.
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
}

// Config tunes the ingestor.
type Config struct {
	// CompletionThreshold is the share of the runtime a stopped play needs to count.
	CompletionThreshold float64
	// MatchTimeout bounds synchronous matching; past it the play is deferred to a job.
	MatchTimeout time.Duration
	// DeferMatching always hands plays to a plex_scrobble job.
	DeferMatching bool
	StateTTL      time.Duration
	// Secret enables HMAC-SHA256 signature checks when set.
	Secret string
	// ProviderTimeout applies to metadata lookups on the user's Plex server.
	ProviderTimeout time.Duration
}

// Action is what an event did.
type Action string

const (
	ActionIgnored   Action = "ignored"
	ActionPlaying   Action = "playing"
	ActionDiscarded Action = "discarded"
	ActionRecorded  Action = "recorded"
	ActionDeferred  Action = "deferred"
	ActionDuplicate Action = "duplicate"
)

type playbackState string

const (
	statePlaying  playbackState = "playing"
	stateRecorded playbackState = "recorded"
)

// Payload is the subset of a Plex webhook the ingestor reads.
type Payload struct {
	Event   string `json:"event"`
	Account struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	} `json:"Account"`
	Metadata plex.Metadata `json:"Metadata"`
}

type Ingestor struct {
	cfg        Config
	store      Store
	catalog    matcher.Catalog
	redis      redis.Cmdable
	notifier   Notifier
	reconciler *history.Reconciler
	now        func() time.Time
}

// New builds an Ingestor. notifier may be nil.
func New(cfg Config, st Store, cat matcher.Catalog, rdb redis.Cmdable, notifier Notifier) *Ingestor {
	if cfg.CompletionThreshold <= 0 {
		cfg.CompletionThreshold = 0.9
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = 3 * time.Second
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 12 * time.Hour
	}
	return &Ingestor{
		cfg:        cfg,
		store:      st,
		catalog:    cat,
		redis:      rdb,
		notifier:   notifier,
		reconciler: history.NewReconciler(st),
		now:        time.Now,
	}
}

// VerifySignature checks the hex HMAC-SHA256 of body. It accepts everything
// when no secret is configured.
func (i *Ingestor) VerifySignature(body []byte, signature string) error {
	if i.cfg.Secret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(i.cfg.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if signature == "" || !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Ingest handles one webhook delivery. Plex retries failed deliveries, so
// payloads that can never succeed (empty, malformed, irrelevant) are
// accepted and ignored rather than reported as errors.
func (i *Ingestor) Ingest(ctx context.Context, webhookID string, raw []byte) (Action, error) {
	in, err := i.store.IntegrationByWebhookID(ctx, webhookID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknownWebhook
	}
	if err != nil {
		return "", fmt.Errorf("look up webhook: %w", err)
	}
	if len(raw) == 0 {
		return ActionIgnored, nil
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("user_id", in.UserID).Msg("malformed plex webhook payload")
		telemetry.WebhookEvents.WithLabelValues("malformed", string(ActionIgnored)).Inc()
		return ActionIgnored, nil
	}

	action, err := i.handle(ctx, in, p)
	result := string(action)
	if err != nil {
		result = "error"
	}
	telemetry.WebhookEvents.WithLabelValues(p.Event, result).Inc()
	logging.Ctx(ctx).Debug().Int64("user_id", in.UserID).Str("event", p.Event).
		Str("rating_key", p.Metadata.RatingKey).Str("action", result).Msg("plex webhook")
	return action, err
}

func (i *Ingestor) handle(ctx context.Context, in models.Integration, p Payload) (Action, error) {
	md := p.Metadata
	if md.Type != "movie" || md.RatingKey == "" {
		return ActionIgnored, nil
	}
	key := stateKey(in.UserID, md.RatingKey)

	switch p.Event {
	case "media.play", "media.resume", "media.pause":
		return ActionPlaying, i.setPlaying(ctx, key, md)
	case "media.stop":
		state, err := i.state(ctx, key)
		if err != nil {
			return "", err
		}
		if state.status == stateRecorded {
			return ActionDuplicate, nil
		}
		offset, duration := md.ViewOffset, md.Duration
		if offset == 0 {
			offset = state.viewOffset
		}
		if duration == 0 {
			duration = state.duration
		}
		if duration <= 0 || float64(offset)/float64(duration) < i.cfg.CompletionThreshold {
			return ActionDiscarded, i.redis.Del(ctx, key).Err()
		}
		return i.record(ctx, in, key, md)
	case "media.scrobble":
		state, err := i.state(ctx, key)
		if err != nil {
			return "", err
		}
		if state.status == stateRecorded {
			return ActionDuplicate, nil
		}
		return i.record(ctx, in, key, md)
	}
	return ActionIgnored, nil
}

type playback struct {
	status     playbackState
	viewOffset int64
	duration   int64
}

func stateKey(userID int64, ratingKey string) string {
	return "plex:playback:" + strconv.FormatInt(userID, 10) + ":" + ratingKey
}

func (i *Ingestor) state(ctx context.Context, key string) (playback, error) {
	vals, err := i.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return playback{}, fmt.Errorf("load playback state: %w", err)
	}
	var s playback
	s.status = playbackState(vals["state"])
	s.viewOffset, _ = strconv.ParseInt(vals["view_offset"], 10, 64)
	s.duration, _ = strconv.ParseInt(vals["duration"], 10, 64)
	return s, nil
}

func (i *Ingestor) setPlaying(ctx context.Context, key string, md plex.Metadata) error {
	pipe := i.redis.TxPipeline()
	pipe.HSet(ctx, key, "state", string(statePlaying), "view_offset", md.ViewOffset, "duration", md.Duration)
	pipe.Expire(ctx, key, i.cfg.StateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store playback state: %w", err)
	}
	return nil
}

func (i *Ingestor) markRecorded(ctx context.Context, key string) error {
	pipe := i.redis.TxPipeline()
	pipe.HSet(ctx, key, "state", string(stateRecorded))
	pipe.Expire(ctx, key, i.cfg.StateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store playback state: %w", err)
	}
	return nil
}

// record stores the play now, or hands it to a plex_scrobble job when
// matching is deferred, too slow or the catalog is unavailable.
func (i *Ingestor) record(ctx context.Context, in models.Integration, key string, md plex.Metadata) (Action, error) {
	watched := i.now().UTC()
	action := ActionDeferred
	if !i.cfg.DeferMatching {
		mctx, cancel := context.WithTimeout(ctx, i.cfg.MatchTimeout)
		outcome, err := i.recordNow(mctx, in, md, watched)
		cancel()
		switch {
		case err == nil:
			action = ActionRecorded
			if outcome == history.OutcomeDuplicate {
				action = ActionDuplicate
			}
		case ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, provider.ErrTransient)):
			logging.Ctx(ctx).Info().Err(err).Str("rating_key", md.RatingKey).Msg("deferring plex play to a job")
		default:
			return "", err
		}
	}
	if action == ActionDeferred {
		created, err := i.enqueue(ctx, in.UserID, md, watched)
		if err != nil {
			return "", err
		}
		if !created {
			action = ActionDuplicate
		}
	}
	return action, i.markRecorded(ctx, key)
}

func (i *Ingestor) recordNow(ctx context.Context, in models.Integration, md plex.Metadata, watched time.Time) (history.Outcome, error) {
	md = i.enrich(ctx, in, md)
	rec := md.Record(watched)
	match, err := matcher.New(i.catalog).Resolve(ctx, rec)
	if err != nil {
		return "", err
	}
	return i.reconciler.Reconcile(ctx, in.UserID, rec, match, models.SourcePlex)
}

// enrich fills in the catalog id from the user's server when the webhook
// carried none. Lookup failures fall back to title matching.
func (i *Ingestor) enrich(ctx context.Context, in models.Integration, md plex.Metadata) plex.Metadata {
	if md.TMDBID() != nil || in.PlexServerURL == "" {
		return md
	}
	client := plex.New(plex.Config{ServerURL: in.PlexServerURL, Token: in.PlexToken, Timeout: i.cfg.ProviderTimeout})
	full, err := client.Metadata(ctx, md.RatingKey)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("rating_key", md.RatingKey).Msg("plex metadata lookup failed")
		return md
	}
	if full.RatingKey == "" {
		return md
	}
	md.Guids = full.Guids
	if md.Year == 0 {
		md.Year = full.Year
	}
	return md
}

func (i *Ingestor) enqueue(ctx context.Context, userID int64, md plex.Metadata, watched time.Time) (bool, error) {
	payload := map[string]any{
		"rating_key": md.RatingKey,
		"title":      md.Title,
		"year":       md.Year,
		"watched_at": watched.Format(time.RFC3339),
	}
	if id := md.TMDBID(); id != nil {
		payload["tmdb_id"] = *id
	}
	job, err := i.store.Enqueue(ctx, store.EnqueueParams{
		UserID:   &userID,
		Type:     models.JobTypePlexScrobble,
		Payload:  payload,
		DedupKey: md.RatingKey + "@" + watched.Format(time.DateOnly),
	})
	if errors.Is(err, store.ErrDuplicatePendingJob) {
		telemetry.DuplicateEnqueues.WithLabelValues(string(models.JobTypePlexScrobble)).Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue deferred scrobble: %w", err)
	}
	telemetry.EnqueueCounter.WithLabelValues(string(models.JobTypePlexScrobble)).Inc()
	if i.notifier != nil {
		if err := i.notifier.Notify(ctx, job.ID); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("wake-up signal not sent")
		}
	}
	return true, nil
}
