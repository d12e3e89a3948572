package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/singleflight"

	"wikinovel/api/internal/auth"
	"wikinovel/api/internal/config"
	"wikinovel/api/internal/history"
	"wikinovel/api/internal/leaderboard"
	"wikinovel/api/internal/metrics"
	"wikinovel/api/internal/rbac"
	"wikinovel/api/internal/store"
	"wikinovel/api/internal/voting"
)

type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

type dataStore interface {
	Ping(context.Context) error
	EnsureEntity(context.Context, voting.EntityRef, string, string) error
	GetEntity(context.Context, voting.EntityRef) (store.Entity, error)
	ListEntities(context.Context, string) ([]store.Entity, error)
	CountEntities(context.Context) (int, error)
	CreateProposal(context.Context, store.Proposal) error
	GetProposal(context.Context, string) (store.Proposal, error)
	ListProposalsByEntity(context.Context, voting.EntityRef) ([]store.Proposal, error)
	ListProposalsByNovel(context.Context, string) ([]store.Proposal, error)
	ListProposalsByProposer(context.Context, string) ([]store.Proposal, error)
	ListPendingForSweep(context.Context, time.Time, int) ([]store.Proposal, error)
	DeleteProposal(context.Context, string) error
	IncrementViews(context.Context, string) (int64, error)
	CastVote(context.Context, store.Vote, func(store.Proposal) error) error
	ListVotes(context.Context, string) ([]store.Vote, error)
	Transition(context.Context, string, time.Time, store.DecideFunc) (store.TransitionResult, error)
	RecordContribution(context.Context, store.Contribution) error
	TotalContribution(context.Context, string, string) (int64, error)
	ContributionsByCategory(context.Context, string, string) (map[string]int64, error)
	ApprovedCountsBetween(context.Context, time.Time, time.Time) (map[voting.EntityRef]int64, error)
	InsertComment(context.Context, store.Comment) error
	ListComments(context.Context, string) ([]store.Comment, error)
}

type historyService interface {
	EnsureNovelRepo(string, map[voting.Field]string, string) error
	RecordText(string, voting.Field, string, string, string) (store.CommitInfo, error)
	History(string, voting.Field, int) ([]store.CommitInfo, error)
	TextAt(string, voting.Field, string) (string, error)
}

type rollupArchive interface {
	PutRollup(context.Context, leaderboard.Rollup) (string, error)
}

type sweepLease interface {
	Acquire(context.Context, string, time.Duration) (func(), bool, error)
}

type pinger interface {
	Ping(context.Context) error
}

type Service struct {
	cfg        config.Config
	store      dataStore
	history    historyService
	views      leaderboard.ViewCounter
	aggregator *leaderboard.Aggregator
	weight     voting.WeightFunc
	metrics    *metrics.Collectors
	archive    rollupArchive
	lease      sweepLease
	cache      pinger
	sanitizer  *bluemonday.Policy
	validate   *validator.Validate
	location   *time.Location
	sweeps     singleflight.Group
	now        func() time.Time
}

// New wires the service. historySvc may be nil to disable the git mirror and
// views may be nil to count views in memory.
func New(cfg config.Config, dataStore dataStore, historySvc historyService, views leaderboard.ViewCounter) *Service {
	location := cfg.Location()
	if views == nil {
		views = leaderboard.NewMemoryViewCounter(location)
	}
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		history:    historySvc,
		views:      views,
		aggregator: leaderboard.NewAggregator(views, dataStore),
		weight:     weightPolicy(cfg, dataStore),
		sanitizer:  bluemonday.StrictPolicy(),
		validate:   newValidator(),
		location:   location,
		now:        time.Now,
	}
}

func weightPolicy(cfg config.Config, ledger voting.ContributionTotals) voting.WeightFunc {
	switch strings.ToLower(strings.TrimSpace(cfg.WeightPolicy)) {
	case "fixed":
		return voting.FixedWeight(cfg.FallbackVoteWeight)
	case "floor":
		return voting.FloorWeight(ledger, cfg.FallbackVoteWeight)
	default:
		return voting.ContributionWeight(ledger, cfg.FallbackVoteWeight)
	}
}

func (s *Service) SetMetrics(collectors *metrics.Collectors) {
	s.metrics = collectors
}

func (s *Service) SetArchive(archive rollupArchive) {
	s.archive = archive
}

// SetCache registers the Redis connection so readiness reports it.
func (s *Service) SetCache(cache pinger) {
	s.cache = cache
}

func (s *Service) SetSweepLease(lease sweepLease) {
	s.lease = lease
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports whether a cache is configured and, if so, reachable.
func (s *Service) PingCache(ctx context.Context) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	return true, s.cache.Ping(ctx)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.Subject
	}
	return Session{UserID: claims.Subject, UserName: name, Role: rbac.Normalize(claims.Role)}, nil
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

const demoNovelID = "the-lighthouse-keeper"

var demoNovel = map[voting.Field]string{
	voting.FieldContent:      "The lamp had not been lit in forty years, yet every night the ships turned away from the rocks.",
	voting.FieldWorldSetting: "A fogbound coast where the sea keeps a ledger of every promise made on land.",
	voting.FieldRules:        "No character may speak the keeper's name aloud. Chapters end at the turn of the tide.",
}

// Bootstrap seeds a demo novel into an empty store.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountEntities(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	texts := make(map[string]string, len(demoNovel))
	for field, text := range demoNovel {
		texts[string(field)] = text
	}
	_, err = s.RegisterNovel(ctx, demoNovelID, texts, "wikinovel")
	return err
}

var novelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// RegisterNovel creates the editable entities of a novel. Fields that already
// exist keep their text and version.
func (s *Service) RegisterNovel(ctx context.Context, novelID string, texts map[string]string, registeredBy string) ([]store.Entity, error) {
	novelID = strings.TrimSpace(novelID)
	if !novelIDPattern.MatchString(novelID) {
		return nil, validationError("novelId must be 1-128 letters, digits, '-' or '_'", nil)
	}
	initial := make(map[voting.Field]string, len(voting.Fields))
	for key, text := range texts {
		field, ok := voting.ParseField(key)
		if !ok {
			return nil, validationError("unknown field "+key, map[string]any{"allowed": voting.Fields})
		}
		initial[field] = text
	}
	for _, field := range voting.Fields {
		ref := voting.EntityRef{NovelID: novelID, Field: field}
		if err := s.store.EnsureEntity(ctx, ref, initial[field], registeredBy); err != nil {
			return nil, err
		}
	}
	if s.history != nil {
		if err := s.history.EnsureNovelRepo(novelID, initial, registeredBy); err != nil {
			log.Printf("history: init %s: %v", novelID, err)
		}
	}
	return s.store.ListEntities(ctx, novelID)
}

func (s *Service) GetEntity(ctx context.Context, novelID, fieldName string) (store.Entity, error) {
	field, ok := voting.ParseField(fieldName)
	if !ok {
		return store.Entity{}, validationError("unknown field "+fieldName, map[string]any{"allowed": voting.Fields})
	}
	entity, err := s.store.GetEntity(ctx, voting.EntityRef{NovelID: novelID, Field: field})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Entity{}, notFoundError("Entity not found")
		}
		return store.Entity{}, err
	}
	return entity, nil
}

func (s *Service) EntityHistory(ctx context.Context, novelID, fieldName string, limit int) ([]store.CommitInfo, error) {
	entity, err := s.GetEntity(ctx, novelID, fieldName)
	if err != nil {
		return nil, err
	}
	if s.history == nil {
		return []store.CommitInfo{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.history.History(entity.Ref.NovelID, entity.Ref.Field, limit)
}

// EntityTextAt returns a field's text as recorded by a history commit.
func (s *Service) EntityTextAt(ctx context.Context, novelID, fieldName, hash string) (RevisionView, error) {
	entity, err := s.GetEntity(ctx, novelID, fieldName)
	if err != nil {
		return RevisionView{}, err
	}
	if s.history == nil {
		return RevisionView{}, notFoundError("History is not enabled")
	}
	text, err := s.history.TextAt(entity.Ref.NovelID, entity.Ref.Field, strings.TrimSpace(hash))
	if err != nil {
		if errors.Is(err, history.ErrRevisionNotFound) {
			return RevisionView{}, notFoundError("Revision not found")
		}
		return RevisionView{}, err
	}
	return RevisionView{Entity: entity.Ref, Hash: hash, Text: text}, nil
}
