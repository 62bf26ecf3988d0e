package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Audience is the "aud" claim of every access token. Tokens minted for another
// audience by the same key are rejected.
const Audience = "huddle.api"

// implicitAssertion binds signatures to this token purpose without putting it on the wire.
var implicitAssertion = []byte("huddle/access/v1")

// AccessClaims is the identity carried by a bearer credential on HTTP and websocket requests.
type AccessClaims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// AccessTokenManager issues and verifies short-lived access tokens.
type AccessTokenManager interface {
	Issue(userID, sessionID string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
	// KeyID names the signing key; it travels in the token footer.
	KeyID() string
}

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	kid       string

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds an AccessTokenManager on PASETO v4.public (Ed25519).
// The user id is the "sub" claim and the session id is "jti".
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	if cfg.AccessTokenTTL <= 0 {
		return nil, ErrConfig
	}
	public := secret.Public()

	return &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		kid:       public.ExportHex()[:16],
		secret:    secret,
		public:    public,
	}, nil
}

func (m *pasetoV4PublicManager) KeyID() string { return m.kid }

func (m *pasetoV4PublicManager) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	if userID == "" || sessionID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetAudience(Audience)
	tok.SetSubject(userID)
	tok.SetJti(sessionID)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetFooter([]byte(m.kid))

	return tok.V4Sign(m.secret, implicitAssertion), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (AccessClaims, error) {
	// Checking at now+skew keeps "nbf" from failing on a slightly slow clock.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.ForAudience(Audience))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(now.Add(m.clockSkew)))

	parsed, err := p.ParseV4Public(m.public, token, implicitAssertion)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	if string(parsed.Footer()) != m.kid {
		return AccessClaims{}, ErrInvalidToken
	}

	uid, err := parsed.GetSubject()
	if err != nil || uid == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	sid, err := parsed.GetJti()
	if err != nil || sid == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	claims := AccessClaims{UserID: uid, SessionID: sid}
	claims.Issuer, _ = parsed.GetIssuer()
	claims.ExpiresAt, _ = parsed.GetExpiration()
	claims.IssuedAt, _ = parsed.GetIssuedAt()
	return claims, nil
}
