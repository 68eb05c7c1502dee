package engine

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"custodyline/internal/domain"
	"custodyline/internal/repo"
)

type CreatePartnerOptions struct {
	PublicKey     string
	Name          string
	Role          string
	ContactEmail  string
	BrandOwnerKey string
}

// CreatePartner registers a supply-chain participant under a brand owner.
func (e Engine) CreatePartner(ctx context.Context, opts CreatePartnerOptions) (domain.Partner, error) {
	pub, err := parseAddress("public key", opts.PublicKey)
	if err != nil {
		return domain.Partner{}, err
	}
	owner, err := parseAddress("brand owner key", opts.BrandOwnerKey)
	if err != nil {
		return domain.Partner{}, err
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Partner{}, validationf("partner name is required")
	}
	if !domain.ValidRole(opts.Role) {
		return domain.Partner{}, validationf("role %q must be one of %s", opts.Role, strings.Join(domain.Roles, ", "))
	}
	if opts.ContactEmail != "" {
		if _, err := mail.ParseAddress(opts.ContactEmail); err != nil {
			return domain.Partner{}, validationf("contact email %q is invalid", opts.ContactEmail)
		}
	}
	p := domain.Partner{
		ID:            uuid.NewString(),
		PublicKey:     pub.String(),
		Name:          name,
		Role:          opts.Role,
		ContactEmail:  opts.ContactEmail,
		BrandOwnerKey: owner.String(),
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Cache.InsertPartner(ctx, p); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Partner{}, newError(KindConflict, err, "partner %s already registered for this brand owner", p.PublicKey)
		}
		return domain.Partner{}, newError(KindInternal, err, "create partner")
	}
	return p, nil
}

// ListPartners returns the partners registered by owner.
func (e Engine) ListPartners(ctx context.Context, owner string) ([]domain.Partner, error) {
	o, err := parseAddress("owner", owner)
	if err != nil {
		return nil, err
	}
	res, err := e.Cache.ListPartners(ctx, o.String())
	if err != nil {
		return nil, newError(KindInternal, err, "list partners")
	}
	if res == nil {
		res = []domain.Partner{}
	}
	return res, nil
}
