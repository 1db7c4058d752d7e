package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	tok, err := svc.Generate("stu-42", "student", "Ada Lovelace")
	require.NoError(t, err)

	claims, err := svc.Validate(tok)
	require.NoError(t, err)
	require.Equal(t, "stu-42", claims.UserID)
	require.Equal(t, "student", claims.Role)
	require.Equal(t, "Ada Lovelace", claims.FullName)
}

func TestValidateRejects(t *testing.T) {
	svc := NewJWTService("secret", 1)
	tok, err := svc.Generate("stu-42", "student", "")
	require.NoError(t, err)

	_, err = NewJWTService("other", 1).Validate(tok)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Validate("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := NewJWTService("secret", 1)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Generate("stu-42", "student", "")
	require.NoError(t, err)
	_, err = svc.Validate(old)
	require.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Validate(none)
	require.ErrorIs(t, err, ErrInvalidToken)

	anon, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "student"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.Validate(anon)
	require.ErrorIs(t, err, ErrInvalidToken)
}
