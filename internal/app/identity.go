package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/gateway"
	"github.com/rg4amia/monartisanpro-app-sub001/pkg/identityclient"
)

// identityLookupTimeout caps a single identity call made on the payment path.
const identityLookupTimeout = 5 * time.Second

// PartyLookup is the subset of the identity client used by the resolver.
type PartyLookup interface {
	GetParty(ctx context.Context, partyID string) (*identityclient.PartyResponse, error)
}

// IdentityClientResolver adapts the identity service client to IdentityResolver.
type IdentityClientResolver struct {
	client PartyLookup
}

func NewIdentityClientResolver(client PartyLookup) *IdentityClientResolver {
	return &IdentityClientResolver{client: client}
}

func (r *IdentityClientResolver) ResolveParty(ctx context.Context, partyID uuid.UUID) (domain.Party, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, identityLookupTimeout)
	defer cancel()

	resp, err := r.client.GetParty(lookupCtx, partyID.String())
	if err != nil {
		if errors.Is(err, identityclient.ErrPartyNotFound) {
			return domain.Party{}, fmt.Errorf("%w: %s", ErrPartyNotFound, partyID)
		}
		return domain.Party{}, fmt.Errorf("resolve party %s: %w", partyID, err)
	}

	party := domain.Party{ID: partyID, Phone: gateway.NormalizePhone(resp.PhoneNumber)}
	if resp.Location != nil {
		party.Location = &domain.GeoPoint{
			Latitude:       resp.Location.Latitude,
			Longitude:      resp.Location.Longitude,
			AccuracyMeters: resp.Location.AccuracyMeters,
		}
	}
	return party, nil
}
