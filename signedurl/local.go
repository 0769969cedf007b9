package signedurl

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	apperrors "github.com/pipeworks-io/pipeworks/errors"
)

func init() {
	RegisterProvider(ProviderLocal, func(cfg Config) (Provider, error) {
		return NewLocal(cfg)
	})
}

// PathClaims is the signed token payload: the file it grants access to plus
// the standard expiry and issued-at claims.
type PathClaims struct {
	Filepath string `json:"filepath"`
	gojwt.RegisteredClaims
}

// Local issues signed tokens redeemable against the server's /download and
// /upload endpoints. The token grants access to exactly one resolved path;
// allow-lists are enforced at redemption.
type Local struct {
	cfg    Config
	method gojwt.SigningMethod
}

// NewLocal creates the local-file provider.
func NewLocal(cfg Config) (*Local, error) {
	method := gojwt.GetSigningMethod(cfg.Algorithm)
	if method == nil {
		return nil, fmt.Errorf("signedurl: unknown algorithm %q", cfg.Algorithm)
	}
	return &Local{cfg: cfg, method: method}, nil
}

func (l *Local) sign(path string, expiresIn time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := PathClaims{
		Filepath: path,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := gojwt.NewWithClaims(l.method, claims)
	signed, err := token.SignedString([]byte(l.cfg.Secret))
	if err != nil {
		return "", apperrors.Internal(fmt.Errorf("signedurl: sign token: %w", err))
	}
	return signed, nil
}

// Verify validates a token and returns the path it grants.
func (l *Local) Verify(token string) (string, error) {
	claims := &PathClaims{}
	parsed, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (interface{}, error) {
		if t.Method.Alg() != l.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return []byte(l.cfg.Secret), nil
	}, gojwt.WithValidMethods([]string{l.method.Alg()}))
	if err != nil || !parsed.Valid {
		return "", apperrors.Forbidden("redeem signed url")
	}
	return claims.Filepath, nil
}

// Read issues one download URL per resolved file.
func (l *Local) Read(_ context.Context, req Request) ([]string, error) {
	files, err := paths(req)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, fp := range files {
		token, err := l.sign(fp, req.ExpiresIn)
		if err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("%s/download?token=%s", l.cfg.BaseURL, url.QueryEscape(token)))
	}
	return out, nil
}

// Create issues one upload descriptor per resolved file.
func (l *Local) Create(_ context.Context, req Request) ([]Upload, error) {
	files, err := paths(req)
	if err != nil {
		return nil, err
	}
	out := make([]Upload, 0, len(files))
	for _, fp := range files {
		token, err := l.sign(fp, req.ExpiresIn)
		if err != nil {
			return nil, err
		}
		out = append(out, Upload{
			URL:    l.cfg.BaseURL + "/upload",
			Fields: map[string]string{"token": token},
		})
	}
	return out, nil
}

// DownloadAllowed reports whether a redeemed path falls under the download
// allow-list.
func (l *Local) DownloadAllowed(path string) bool {
	return underAny(path, l.cfg.DownloadRoots)
}

// UploadAllowed reports whether a redeemed path falls under the upload
// allow-list.
func (l *Local) UploadAllowed(path string) bool {
	return underAny(path, l.cfg.UploadRoots)
}

// UploadMaxBytes is the per-file upload cap.
func (l *Local) UploadMaxBytes() int64 { return l.cfg.UploadMaxBytes }

// underAny checks the cleaned path against each root prefix. An empty root
// list denies everything: redemption endpoints are opt-in.
func underAny(path string, roots []string) bool {
	cleaned := filepath.Clean(path)
	for _, root := range roots {
		if root == "" {
			continue
		}
		cleanedRoot := filepath.Clean(root)
		if cleaned == cleanedRoot || strings.HasPrefix(cleaned, cleanedRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
