package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "civid/pkg/domain-errors"
)

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty string", ""},
		{"not a uuid", "not-a-uuid"},
		{"nil uuid", uuid.Nil.String()},
		{"sql injection attempt", "'; DROP TABLE users;--"},
		{"null byte", "550e8400\x00-e29b-41d4-a716-446655440000"},
		{"oversized input", strings.Repeat("a", 1000)},
		{"whitespace only", "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUserID(tt.input)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestParseAcceptsValidUUID(t *testing.T) {
	raw := uuid.New()

	parsed, err := ParseUserID(raw.String())
	require.NoError(t, err)
	assert.Equal(t, UserID(raw), parsed)

	// Uppercase form is canonicalized, not rejected.
	upper, err := ParseUserID(strings.ToUpper(raw.String()))
	require.NoError(t, err)
	assert.Equal(t, parsed, upper)
}

// All typed parsers funnel through the same validation, so a rejected
// input must be rejected by every one of them.
func TestParsersAreConsistent(t *testing.T) {
	for _, input := range []string{"", "invalid", uuid.Nil.String()} {
		_, errUser := ParseUserID(input)
		_, errInst := ParseInstitutionID(input)
		_, errCred := ParseCredentialID(input)
		_, errReq := ParseUpdateRequestID(input)
		require.Error(t, errUser, input)
		require.Error(t, errInst, input)
		require.Error(t, errCred, input)
		require.Error(t, errReq, input)
	}

	valid := uuid.New().String()
	_, errUser := ParseUserID(valid)
	_, errInst := ParseInstitutionID(valid)
	_, errCred := ParseCredentialID(valid)
	_, errReq := ParseUpdateRequestID(valid)
	require.NoError(t, errUser)
	require.NoError(t, errInst)
	require.NoError(t, errCred)
	require.NoError(t, errReq)
}

func TestIsNil(t *testing.T) {
	assert.True(t, UserID{}.IsNil())
	assert.True(t, CredentialID(uuid.Nil).IsNil())
	assert.False(t, NewUserID().IsNil())
	assert.False(t, NewInstitutionID().IsNil())
}

// IDs embed in API payloads, so they must serialize as the canonical
// string form and round-trip through JSON.
func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		Owner      UserID       `json:"owner"`
		Credential CredentialID `json:"credential"`
	}
	in := payload{Owner: NewUserID(), Credential: NewCredentialID()}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), in.Owner.String())
	assert.Contains(t, string(raw), in.Credential.String())

	var out payload
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var out struct {
		Owner UserID `json:"owner"`
	}
	err := json.Unmarshal([]byte(`{"owner":"not-a-uuid"}`), &out)
	require.Error(t, err)
}
