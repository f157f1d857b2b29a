// Package auth is the AuthGate component: password + optional TOTP
// login, JWT issue/verify, and the admin/data-access HTTP middleware
// decorators 
//
// The bearer-token middleware follows the exact shape of an
// internal/middleware/oidc.go built on connectrpc.com/authn.NewMiddleware
// wrapping an `authenticate(ctx, *http.Request) (any, error)` func — that package
// is generic over what "authenticate" means, so the same middleware
// construction serves a local JWT verifier here instead of an OIDC
// provider.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/authn"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/scjtqs2/Termix-sub002/internal/core"
	"github.com/scjtqs2/Termix-sub002/internal/crypto"
)

// Gate is the process-wide AuthGate singleton.
type Gate struct {
	users     UserStore
	env       *crypto.Envelope
	jwtSecret []byte // overrides env.HMACSubkey() when non-empty, testing only
}

// UserStore is the subset of internal/store.Store the gate depends on.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (core.User, error)
	GetUserByID(ctx context.Context, id string) (core.User, error)
	GetUserByOIDCSubject(ctx context.Context, subject string) (core.User, error)
	SetUserPassword(ctx context.Context, userID, passwordHash, passwordSalt string, wrappedDEK, dekSalt []byte) error
	ConsumeBackupCode(ctx context.Context, userID, usedHash string) error
}

// New constructs a Gate. jwtSecret, if non-empty, overrides the
// master-key-derived HMAC subkey — the "override for testing only" escape
// hatch named in the JWT_SECRET env var.
func New(users UserStore, env *crypto.Envelope, jwtSecret string) *Gate {
	return &Gate{users: users, env: env, jwtSecret: []byte(jwtSecret)}
}

func (g *Gate) signingKey() []byte {
	if len(g.jwtSecret) > 0 {
		return g.jwtSecret
	}
	return g.env.HMACSubkey()
}

const jwtTTL = 24 * time.Hour

type claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// LoginResult is returned by Login.
type LoginResult struct {
	Token         string
	RequiresTOTP  bool
}

// Login verifies the password, and if the account has TOTP enabled,
// returns RequiresTOTP instead of a token — the caller must then call
// VerifyTOTP to complete login. On success it unwraps the user's DEK into
// an UnlockSession and issues a JWT.
func (g *Gate) Login(ctx context.Context, username, password string) (LoginResult, error) {
	u, err := g.users.GetUserByUsername(ctx, username)
	if err != nil {
		return LoginResult{}, core.New(core.KindAuthentication, "invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, core.New(core.KindAuthentication, "invalid username or password")
	}

	if u.TOTPSecret != "" {
		return LoginResult{RequiresTOTP: true}, nil
	}

	return g.completeLogin(u, password)
}

// VerifyTOTP completes a login that Login flagged as RequiresTOTP, either
// with a live 6-digit code or a one-shot backup code.
func (g *Gate) VerifyTOTP(ctx context.Context, username, password, code string) (LoginResult, error) {
	u, err := g.users.GetUserByUsername(ctx, username)
	if err != nil {
		return LoginResult{}, core.New(core.KindAuthentication, "invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, core.New(core.KindAuthentication, "invalid username or password")
	}

	if totp.Validate(code, u.TOTPSecret) {
		return g.completeLogin(u, password)
	}

	if hash := hashBackupCode(code); containsHash(u.BackupCodeHashes, hash) {
		if err := g.users.ConsumeBackupCode(ctx, u.ID, hash); err != nil {
			return LoginResult{}, err
		}
		return g.completeLogin(u, password)
	}

	return LoginResult{}, core.New(core.KindAuthentication, "invalid TOTP code")
}

func (g *Gate) completeLogin(u core.User, password string) (LoginResult, error) {
	if err := g.env.Unlock(u.ID, password, u.WrappedDEK, u.DEKSalt); err != nil {
		return LoginResult{}, err
	}
	token, err := g.issueToken(u.ID)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token}, nil
}

// LoginOIDC completes a login for a user previously linked to subject
// (an already ID-token-verified OIDC claim — verification itself is
// the HTTP edge's job, via an oidc.IDTokenVerifier). Unlike password
// login this never unwraps the user's DEK: there is no password to
// derive a KEK from, so record-level encrypted fields stay
// inaccessible until the user separately unlocks with their password.
func (g *Gate) LoginOIDC(ctx context.Context, subject string) (LoginResult, error) {
	u, err := g.users.GetUserByOIDCSubject(ctx, subject)
	if err != nil {
		return LoginResult{}, core.New(core.KindAuthentication, "no account linked to this identity")
	}
	token, err := g.issueToken(u.ID)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token}, nil
}

func (g *Gate) issueToken(userID string) (string, error) {
	now := time.Now()
	c := claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(jwtTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(g.signingKey())
}

// Verify parses and validates a JWT, returning its subject userId.
func (g *Gate) Verify(tokenString string) (string, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.signingKey(), nil
	})
	if err != nil || !token.Valid {
		return "", core.New(core.KindAuthentication, "invalid or expired token")
	}
	return c.UserID, nil
}

// Logout removes userID's unlock session.
func (g *Gate) Logout(userID string) {
	g.env.Lock(userID)
}

// Middleware builds the connectrpc.com/authn.Middleware wrapping this
// gate's JWT verifier, storing the resolved core.UserInfo in the request
// context (available downstream via authn.GetInfo).
func (g *Gate) Middleware() *authn.Middleware {
	authenticate := func(ctx context.Context, r *http.Request) (any, error) {
		token, found := authn.BearerToken(r)
		if !found || token == "" {
			if cookie, err := r.Cookie("jwt"); err == nil {
				token = cookie.Value
			}
		}
		if token == "" {
			return nil, authn.Errorf("missing bearer token")
		}

		userID, err := g.Verify(token)
		if err != nil {
			return nil, authn.Errorf("invalid token: %s", err)
		}

		u, err := g.users.GetUserByID(ctx, userID)
		if err != nil {
			return nil, authn.Errorf("unknown user")
		}

		groups := []string{"user"}
		if u.IsAdmin {
			groups = append(groups, "admin")
		}
		return core.UserInfo{Subject: u.ID, Groups: groups}, nil
	}
	return authn.NewMiddleware(authenticate)
}

// RequireAdmin wraps next, rejecting requests whose authenticated
// UserInfo lacks the admin group.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ := authn.GetInfo(r.Context()).(core.UserInfo)
		if !hasGroup(info.Groups, "admin") {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireDataAccess wraps next, rejecting requests for a locked user with
// SESSION_EXPIRED
func RequireDataAccess(env *crypto.Envelope, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ := authn.GetInfo(r.Context()).(core.UserInfo)
		if !env.IsUnlocked(info.Subject) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"SESSION_EXPIRED"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasGroup(groups []string, want string) bool {
	for _, g := range groups {
		if g == want {
			return true
		}
	}
	return false
}

// HashPassword produces a bcrypt verifier for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// GenerateBackupCodes returns n fresh backup codes and their hashes for
// storage: backup codes are one-shot, hashed at rest.
func GenerateBackupCodes(n int) (codes []string, hashes []string, err error) {
	for i := 0; i < n; i++ {
		buf := make([]byte, 5)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, err
		}
		code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func hashBackupCode(code string) string {
	// Backup codes are high-entropy random tokens (40 bits), so a plain
	// SHA-256 digest is sufficient and allows O(1) lookup by equality,
	// unlike bcrypt which is deliberately slow per comparison.
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func containsHash(hashes []string, h string) bool {
	for _, stored := range hashes {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(h)) == 1 {
			return true
		}
	}
	return false
}
