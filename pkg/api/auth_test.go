package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret-for-tests"

func signToken(t *testing.T, secret string, claims ExecuteClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func validClaims() ExecuteClaims {
	return ExecuteClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "agent-7",
		Issuer:    "spendvault",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
}

func TestJWTValidator(t *testing.T) {
	v := NewJWTValidator(testSecret, "spendvault")

	claims, err := v.Validate(signToken(t, testSecret, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "agent-7", claims.Subject)

	_, err = v.Validate(signToken(t, "other", validClaims()))
	assert.Error(t, err, "wrong key")

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = v.Validate(signToken(t, testSecret, expired))
	assert.Error(t, err)

	noExp := validClaims()
	noExp.ExpiresAt = nil
	_, err = v.Validate(signToken(t, testSecret, noExp))
	assert.Error(t, err, "expiry is required")

	wrongIss := validClaims()
	wrongIss.Issuer = "someone-else"
	_, err = v.Validate(signToken(t, testSecret, wrongIss))
	assert.Error(t, err)

	noSub := validClaims()
	noSub.Subject = ""
	_, err = v.Validate(signToken(t, testSecret, noSub))
	assert.Error(t, err)

	assert.Nil(t, NewJWTValidator("", ""))
}

func TestExecuteClaimsAllows(t *testing.T) {
	c := &ExecuteClaims{}
	assert.True(t, c.Allows(vaultHex), "unscoped token")

	c.Vaults = []string{"0x1111111111111111111111111111111111111111"}
	assert.True(t, c.Allows("0x1111111111111111111111111111111111111111"))
	assert.False(t, c.Allows(recipientHex))
	assert.False(t, c.Allows("garbage"))
}

func TestBearerAuth(t *testing.T) {
	var reached bool
	h := BearerAuth(NewJWTValidator(testSecret, ""))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, reached = ClaimsFrom(r.Context())
	}))

	for name, header := range map[string]string{
		"missing":    "",
		"bad scheme": "Basic abc",
		"bad token":  "Bearer not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/vault/execute", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/vault/execute", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims()))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, reached)
}

func TestExecuteRequiresScopedToken(t *testing.T) {
	f := newFixture(t, true)
	f.srv = NewServer(f.info, f.budget, f.activity, f.spender, Options{TokenDecimals: 6, RateLimitRPS: 1000, Auth: NewJWTValidator(testSecret, "")})
	t.Cleanup(f.srv.Close)
	body := `{"vaultAddress":"` + vaultHex + `","recipient":"` + recipientHex + `","amount":"1"}`

	w := f.do("POST", "/api/vault/execute", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	scoped := validClaims()
	scoped.Vaults = []string{recipientHex}
	w = f.do("POST", "/api/vault/execute", body, "Authorization", "Bearer "+signToken(t, testSecret, scoped))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, f.spender.calls)

	w = f.do("POST", "/api/vault/execute", body, "Authorization", "Bearer "+signToken(t, testSecret, validClaims()))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.spender.calls)
}
