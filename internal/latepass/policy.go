package latepass

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
)

// ConfigUpdate is a partial update of an org's policy. Nil fields are left
// unchanged.
type ConfigUpdate struct {
	GenerationWindowMinutes *int  `json:"generationWindowMinutes" validate:"omitempty,min=0,max=240"`
	AcceptanceWindowMinutes *int  `json:"acceptanceWindowMinutes" validate:"omitempty,min=1,max=480"`
	ValidityDays            *int  `json:"ticketValidityDays" validate:"omitempty,min=1,max=30"`
	AllowMultipleActive     *bool `json:"allowMultipleActiveTickets"`
	AutoExpire              *bool `json:"autoExpire"`
	IncludeLogo             *bool `json:"includeLogo"`
	IncludeBarcode          *bool `json:"includeBarcode"`
}

// PolicyStore reads and updates per-organization late pass configuration.
type PolicyStore struct {
	repo     Repository
	validate *validator.Validate
	now      func() time.Time
	log      *slog.Logger
}

// NewPolicyStore creates a policy store.
func NewPolicyStore(repo Repository, now func() time.Time, log *slog.Logger) *PolicyStore {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &PolicyStore{repo: repo, validate: validator.New(), now: now, log: log}
}

// Get returns the org's config, creating it with defaults on first access.
func (p *PolicyStore) Get(ctx context.Context, orgID string) (Config, error) {
	if orgID == "" {
		return Config{}, invalidArgument("organization id required")
	}
	cfg, err := p.repo.GetConfig(ctx, orgID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, errNotFound) {
		return Config{}, internal(err, "load late pass config")
	}

	def := DefaultConfig(orgID)
	def.CreatedAt = p.now().UTC()
	def.UpdatedAt = def.CreatedAt
	if err := p.repo.CreateConfigIfAbsent(ctx, def); err != nil {
		return Config{}, internal(err, "create late pass config")
	}
	// Re-read so a concurrent creator's row wins.
	cfg, err = p.repo.GetConfig(ctx, orgID)
	if err != nil {
		return Config{}, internal(err, "load late pass config")
	}
	p.log.Info("late pass config created", "org_id", orgID)
	return cfg, nil
}

// Update applies upd to an existing config. It fails with NotFound when the
// org has no config row yet.
func (p *PolicyStore) Update(ctx context.Context, orgID string, upd ConfigUpdate, actorID string) (Config, error) {
	if orgID == "" {
		return Config{}, invalidArgument("organization id required")
	}
	if err := p.validate.Struct(upd); err != nil {
		return Config{}, &Error{Code: codes.InvalidArgument, Msg: "invalid config update", Err: err}
	}

	var out Config
	err := p.repo.InTx(ctx, func(ctx context.Context, tx Repository) error {
		cfg, err := tx.GetConfig(ctx, orgID)
		if errors.Is(err, errNotFound) {
			return notFound("late pass config for org %s", orgID)
		}
		if err != nil {
			return internal(err, "load late pass config")
		}
		applyConfigUpdate(&cfg, upd)
		if cfg.AcceptanceWindowMinutes < cfg.GenerationWindowMinutes {
			return invalidArgument("acceptance window (%d min) shorter than generation window (%d min)",
				cfg.AcceptanceWindowMinutes, cfg.GenerationWindowMinutes)
		}
		cfg.UpdatedAt = p.now().UTC()
		cfg.UpdatedBy = actorID
		if err := tx.SaveConfig(ctx, cfg); err != nil {
			return internal(err, "save late pass config")
		}
		out = cfg
		return nil
	})
	if err != nil {
		return Config{}, err
	}
	p.log.Info("late pass config updated", "org_id", orgID, "actor_id", actorID)
	return out, nil
}

func applyConfigUpdate(cfg *Config, upd ConfigUpdate) {
	if upd.GenerationWindowMinutes != nil {
		cfg.GenerationWindowMinutes = *upd.GenerationWindowMinutes
	}
	if upd.AcceptanceWindowMinutes != nil {
		cfg.AcceptanceWindowMinutes = *upd.AcceptanceWindowMinutes
	}
	if upd.ValidityDays != nil {
		cfg.ValidityDays = *upd.ValidityDays
	}
	if upd.AllowMultipleActive != nil {
		cfg.AllowMultipleActive = *upd.AllowMultipleActive
	}
	if upd.AutoExpire != nil {
		cfg.AutoExpire = *upd.AutoExpire
	}
	if upd.IncludeLogo != nil {
		cfg.IncludeLogo = *upd.IncludeLogo
	}
	if upd.IncludeBarcode != nil {
		cfg.IncludeBarcode = *upd.IncludeBarcode
	}
}
