// Package github wraps the GitHub App installation-token flow and a small
// read-only status surface used by internal/links/ghstatus to refresh a
// session's attached PR/issue link.
package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gogithub "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/p-blackswan/sessionagent/pkg/tokenstore"
)

// Client authenticates as one GitHub App installation.
type Client struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	tokenStore     tokenstore.Store
	httpClient     *http.Client
	logger         zerolog.Logger
}

// NewClientFromKeyBytes parses a PEM-encoded RSA private key and builds a
// Client for one installation.
func NewClientFromKeyBytes(appID, installationID int64, keyPEM []byte, store tokenstore.Store, logger zerolog.Logger) (*Client, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("github: invalid PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		keyAny, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("github: parsing private key: %w", err)
		}
		rsaKey, ok := keyAny.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("github: private key is not RSA")
		}
		key = rsaKey
	}

	return &Client{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		tokenStore:     store,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger.With().Str("component", "github").Logger(),
	}, nil
}

// NewClient builds a Client by reading the App's private key from keyPath.
func NewClient(appID, installationID int64, keyPath string, store tokenstore.Store, logger zerolog.Logger) (*Client, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("github: reading private key %s: %w", keyPath, err)
	}
	return NewClientFromKeyBytes(appID, installationID, keyPEM, store, logger)
}

// GetInstallationClient returns a go-github client authenticated with this
// installation's current token, refreshing it via getInstallationToken.
func (c *Client) GetInstallationClient(ctx context.Context) (*gogithub.Client, error) {
	tok, err := c.getInstallationToken(ctx)
	if err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok})
	return gogithub.NewClient(oauth2.NewClient(ctx, ts)), nil
}

// generateJWT signs a short-lived App-level JWT per GitHub App auth rules:
// iat slightly in the past to tolerate clock skew, exp 9 minutes out.
func (c *Client) generateJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(c.appID, 10),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(c.privateKey)
}

var prURLRe = regexp.MustCompile(`github\.com/([\w.-]+)/([\w.-]+)/pull/(\d+)`)

// ParsePRURL extracts owner, repo, and PR number from a GitHub PR URL.
func ParsePRURL(url string) (owner, repo string, pr int, err error) {
	m := prURLRe.FindStringSubmatch(url)
	if m == nil {
		return "", "", 0, fmt.Errorf("github: not a pull request URL: %s", url)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("github: invalid PR number in %s: %w", url, err)
	}
	return m[1], m[2], n, nil
}

var issueURLRe = regexp.MustCompile(`github\.com/([\w.-]+)/([\w.-]+)/issues/(\d+)`)

// ParseIssueURL extracts owner, repo, and issue number from a GitHub issue URL.
func ParseIssueURL(url string) (owner, repo string, issue int, err error) {
	m := issueURLRe.FindStringSubmatch(url)
	if m == nil {
		return "", "", 0, fmt.Errorf("github: not an issue URL: %s", url)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("github: invalid issue number in %s: %w", url, err)
	}
	return m[1], m[2], n, nil
}
