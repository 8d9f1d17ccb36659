package vfs

import (
	"context"
	"os"
	"strings"

	"github.com/objectfs/vfs/pkg/errors"
)

// Credential holds the secrets for one account. Hosts receive credentials
// from a CredentialProvider and never persist them.
type Credential struct {
	User       string
	Password   string
	Token      string
	PrivateKey []byte
	Passphrase string
}

// CredentialProvider looks up credentials by account identifier.
// Implementations return a KindNotFound error for unknown accounts.
type CredentialProvider interface {
	Credential(ctx context.Context, account string) (Credential, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context, account string) (Credential, error)

func (f CredentialFunc) Credential(ctx context.Context, account string) (Credential, error) {
	return f(ctx, account)
}

// StaticCredentials serves credentials from a map.
type StaticCredentials map[string]Credential

func (s StaticCredentials) Credential(ctx context.Context, account string) (Credential, error) {
	if c, ok := s[account]; ok {
		return c, nil
	}
	return Credential{}, errors.New(errors.KindNotFound, "no credential for account").WithPath(account)
}

// EnvCredentials reads credentials from environment variables named
// <Prefix>_<ACCOUNT>_{USER,PASSWORD,TOKEN,KEY_FILE,PASSPHRASE}, where ACCOUNT
// is upper-cased with every non-alphanumeric byte replaced by '_'.
type EnvCredentials struct {
	Prefix string
	// Lookup defaults to os.LookupEnv
	Lookup func(key string) (string, bool)
}

func (e EnvCredentials) Credential(ctx context.Context, account string) (Credential, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "VFS_CREDENTIAL"
	}
	base := prefix + "_" + envName(account) + "_"

	var c Credential
	found := false
	get := func(name string, dst *string) {
		if v, ok := lookup(base + name); ok {
			*dst = v
			found = true
		}
	}
	get("USER", &c.User)
	get("PASSWORD", &c.Password)
	get("TOKEN", &c.Token)
	get("PASSPHRASE", &c.Passphrase)

	var keyFile string
	get("KEY_FILE", &keyFile)
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return Credential{}, errors.FromOS(err, "read key file", keyFile)
		}
		c.PrivateKey = data
	}

	if !found {
		return Credential{}, errors.New(errors.KindNotFound, "no credential for account").WithPath(account)
	}
	return c, nil
}

func envName(account string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(account) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ChainCredentials tries providers in order and returns the first credential found.
type ChainCredentials []CredentialProvider

func (c ChainCredentials) Credential(ctx context.Context, account string) (Credential, error) {
	for _, p := range c {
		cred, err := p.Credential(ctx, account)
		if err == nil {
			return cred, nil
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			return Credential{}, err
		}
	}
	return Credential{}, errors.New(errors.KindNotFound, "no credential for account").WithPath(account)
}

// LookupCredential fetches the credential for cfg. A nil provider or an
// unknown account yields an empty credential, which backends treat as
// anonymous access.
func LookupCredential(ctx context.Context, p CredentialProvider, cfg Configuration) (Credential, error) {
	if p == nil {
		return Credential{}, nil
	}
	c, err := p.Credential(ctx, cfg.AccountID())
	if errors.IsKind(err, errors.KindNotFound) {
		return Credential{}, nil
	}
	return c, err
}
