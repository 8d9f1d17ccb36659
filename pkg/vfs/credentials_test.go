package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/vfs/pkg/errors"
)

func TestStaticCredentials(t *testing.T) {
	p := StaticCredentials{"anna@ftp.example.com": {User: "anna", Password: "secret"}}

	c, err := p.Credential(context.Background(), "anna@ftp.example.com")
	require.NoError(t, err)
	assert.Equal(t, "secret", c.Password)

	_, err = p.Credential(context.Background(), "nobody")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestEnvCredentials(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, []byte("KEY"), 0600))

	env := map[string]string{
		"VFS_CREDENTIAL_ANNA_FTP_EXAMPLE_COM_USER":     "anna",
		"VFS_CREDENTIAL_ANNA_FTP_EXAMPLE_COM_PASSWORD": "pw",
		"APP_BOX_KEY_FILE":                             keyFile,
		"APP_BOX_PASSPHRASE":                           "phrase",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c, err := EnvCredentials{Lookup: lookup}.Credential(context.Background(), "anna@ftp.example.com")
	require.NoError(t, err)
	assert.Equal(t, Credential{User: "anna", Password: "pw"}, c)

	c, err = EnvCredentials{Prefix: "APP", Lookup: lookup}.Credential(context.Background(), "box")
	require.NoError(t, err)
	assert.Equal(t, []byte("KEY"), c.PrivateKey)
	assert.Equal(t, "phrase", c.Passphrase)

	_, err = EnvCredentials{Lookup: lookup}.Credential(context.Background(), "missing")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestEnvCredentials_MissingKeyFile(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "VFS_CREDENTIAL_BOX_KEY_FILE" {
			return "/nonexistent/key", true
		}
		return "", false
	}
	_, err := EnvCredentials{Lookup: lookup}.Credential(context.Background(), "box")
	assert.True(t, errors.IsKind(err, errors.KindNotFound), "got %v", err)
}

func TestChainCredentials(t *testing.T) {
	failing := CredentialFunc(func(ctx context.Context, account string) (Credential, error) {
		return Credential{}, errors.New(errors.KindPermissionDenied, "keychain locked")
	})
	chain := ChainCredentials{
		StaticCredentials{},
		StaticCredentials{"acct": {Token: "t"}},
	}

	c, err := chain.Credential(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, "t", c.Token)

	_, err = chain.Credential(context.Background(), "other")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	_, err = ChainCredentials{failing, chain}.Credential(context.Background(), "acct")
	assert.True(t, errors.IsKind(err, errors.KindPermissionDenied), "hard failures stop the chain")
}

func TestLookupCredential(t *testing.T) {
	cfg := Configuration{Kind: KindFTP, Server: "h", User: "u"}

	c, err := LookupCredential(context.Background(), nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, Credential{}, c)

	c, err = LookupCredential(context.Background(), StaticCredentials{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, Credential{}, c, "unknown accounts are anonymous")

	c, err = LookupCredential(context.Background(), StaticCredentials{"u@h": {Password: "p"}}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "p", c.Password)
}
