package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"session-key-service/internal/domain"
)

// Claim はリクエストボディに含まれる識別子の候補。
type Claim struct {
	JWT    string `json:"jwt,omitempty"`
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
}

// IdentityResolver はリクエストから主張された識別子を取り出す。
//
// トークンは body.jwt, x-access-token ヘッダ, Authorization: Bearer の順に探す。
// トークンがあればHS256で検証し、クレーム id（無ければ sub）を識別子とする。
// トークンが無い場合は body の userId（登録名前空間では email を優先）をそのまま使う。
type IdentityResolver struct {
	secret []byte
}

// NewIdentityResolver は新しいIdentityResolverを生成する。
// secret が空の場合、トークン付きのリクエストはすべて ErrInvalidToken になる。
func NewIdentityResolver(secret string) *IdentityResolver {
	return &IdentityResolver{secret: []byte(secret)}
}

// Resolve は識別子を検証して返す。
func (r *IdentityResolver) Resolve(req *http.Request, claim Claim, ns domain.Namespace) (string, error) {
	if token := bearerToken(req, claim); token != "" {
		return r.fromToken(token)
	}

	id := claim.UserID
	if ns == domain.NamespaceRegistration && claim.Email != "" {
		id = claim.Email
	}
	if err := domain.ValidateUserID(id); err != nil {
		return "", err
	}
	return id, nil
}

func (r *IdentityResolver) fromToken(token string) (string, error) {
	if len(r.secret) == 0 {
		return "", domain.ErrInvalidToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", domain.ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", domain.ErrInvalidToken
	}
	id := claimString(claims["id"])
	if id == "" {
		id = claimString(claims["sub"])
	}
	if err := domain.ValidateUserID(id); err != nil {
		return "", domain.ErrInvalidToken
	}
	return id, nil
}

func bearerToken(req *http.Request, claim Claim) string {
	if claim.JWT != "" {
		return claim.JWT
	}
	if token := req.Header.Get("x-access-token"); token != "" {
		return token
	}
	if auth := req.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// claimString は文字列または数値のクレームを文字列にする。
func claimString(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}
