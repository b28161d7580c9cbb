/*
Package auth defines the authorization contract consulted before protected
brokered operations, a caching client that answers most checks without a
round trip, and a JWT-backed service suitable for same-machine hosts.
*/
package auth

import "context"

/*
ProtectedOperation identifies an operation that requires authorization: a
moniker plus an optional required trust level.
*/
type ProtectedOperation struct {
	Moniker    string `json:"operationMoniker"`
	TrustLevel *int   `json:"requiredTrustLevel,omitempty"`
}

// NewProtectedOperation returns an operation without a trust level.
func NewProtectedOperation(moniker string) ProtectedOperation {
	return ProtectedOperation{Moniker: moniker}
}

// WithTrustLevel returns a copy requiring the given trust level.
func (op ProtectedOperation) WithTrustLevel(level int) ProtectedOperation {
	op.TrustLevel = &level
	return op
}

/*
IsSupersetOf reports whether approval of op implies approval of other: the
monikers must match and op's trust level must be absent, or be at least
other's. An approved superset answers any subset query; a denied subset
answers any superset query.
*/
func (op ProtectedOperation) IsSupersetOf(other ProtectedOperation) bool {
	if op.Moniker != other.Moniker {
		return false
	}

	if op.TrustLevel == nil {
		return true
	}

	return other.TrustLevel != nil && *op.TrustLevel >= *other.TrustLevel
}

// Equal compares operations structurally.
func (op ProtectedOperation) Equal(other ProtectedOperation) bool {
	if op.Moniker != other.Moniker {
		return false
	}
	if (op.TrustLevel == nil) != (other.TrustLevel == nil) {
		return false
	}
	return op.TrustLevel == nil || *op.TrustLevel == *other.TrustLevel
}

/*
AuthorizationService is the upstream service the caching client fronts.
*/
type AuthorizationService interface {
	// CheckAuthorization reports whether the current client may perform the
	// operation.
	CheckAuthorization(ctx context.Context, op ProtectedOperation) (bool, error)

	// GetCredentials returns the credentials the client should attach to
	// brokered service requests.
	GetCredentials(ctx context.Context) (map[string]string, error)

	// OnAuthorizationChanged fires when prior authorization verdicts may no
	// longer hold.
	OnAuthorizationChanged(handler func()) func()

	// OnCredentialsChanged fires when the credential set was replaced.
	OnCredentialsChanged(handler func()) func()
}
