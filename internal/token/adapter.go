package token

import (
	authmw "civid/pkg/platform/middleware/auth"

	id "civid/pkg/domain"
)

// MiddlewareAdapter exposes the Service to the shared auth middleware. The
// middleware performs its own revocation lookup, so the adapter only parses
// and validates the token itself.
type MiddlewareAdapter struct {
	service *Service
}

// NewMiddlewareAdapter wraps a token Service for middleware use.
func NewMiddlewareAdapter(service *Service) *MiddlewareAdapter {
	return &MiddlewareAdapter{service: service}
}

// ValidateToken implements authmw.TokenValidator.
func (a *MiddlewareAdapter) ValidateToken(tokenString string) (*authmw.TokenClaims, error) {
	claims, err := a.service.parse(tokenString)
	if err != nil {
		return nil, err
	}

	userID, err := id.ParseUserID(claims.UserID)
	if err != nil {
		return nil, err
	}

	out := &authmw.TokenClaims{
		UserID: userID,
		Roles:  claims.Roles,
		Scopes: claims.Scopes,
		JTI:    claims.ID,
	}
	if claims.InstitutionID != "" {
		instID, err := id.ParseInstitutionID(claims.InstitutionID)
		if err != nil {
			return nil, err
		}
		out.InstitutionID = instID
	}
	return out, nil
}
