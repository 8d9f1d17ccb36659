package vfs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/objectfs/vfs/pkg/errors"
)

// Kind names a backend.
type Kind string

const (
	KindNative  Kind = "native"
	KindMemory  Kind = "memory"
	KindFTP     Kind = "ftp"
	KindSFTP    Kind = "sftp"
	KindCloud   Kind = "cloud"
	KindS3      Kind = "s3"
	KindArchive Kind = "archive"
	KindMount   Kind = "mount"
)

// Configuration identifies a host's connection parameters. It is a
// comparable value: two hosts with equal configurations (and equal parents)
// are interchangeable. Secrets are never part of a configuration.
type Configuration struct {
	Kind Kind `yaml:"kind" json:"kind"`

	// Root is the root directory for native and memory hosts
	Root string `yaml:"root,omitempty" json:"root,omitempty"`

	// Network parameters
	Server string `yaml:"server,omitempty" json:"server,omitempty"`
	User   string `yaml:"user,omitempty" json:"user,omitempty"`
	Port   int    `yaml:"port,omitempty" json:"port,omitempty"`

	// Path is the initial directory, or the junction path of stacked hosts
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Account is the credential provider key; defaults to AccountID()
	Account string `yaml:"account,omitempty" json:"account,omitempty"`

	// Object store parameters
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// Equal reports whether two configurations describe the same host.
func (c Configuration) Equal(other Configuration) bool {
	return c == other
}

// Hash returns a stable hex digest of the configuration.
func (c Configuration) Hash() string {
	h := sha256.New()
	for _, field := range []string{
		string(c.Kind), c.Root, c.Server, c.User, strconv.Itoa(c.Port),
		c.Path, c.Account, c.Bucket, c.Region, c.Endpoint,
	} {
		// Length prefixes keep ("ab","c") and ("a","bc") apart.
		fmt.Fprintf(h, "%d:%s;", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AccountID returns the key used to look up credentials.
func (c Configuration) AccountID() string {
	if c.Account != "" {
		return c.Account
	}
	switch c.Kind {
	case KindFTP, KindSFTP:
		id := c.Server
		if c.User != "" {
			id = c.User + "@" + id
		}
		if c.Port != 0 {
			id += ":" + strconv.Itoa(c.Port)
		}
		return id
	case KindS3:
		return "s3:" + c.Bucket
	}
	return ""
}

// DefaultPort returns the well-known port for the kind, or 0.
func (c Configuration) DefaultPort() int {
	switch c.Kind {
	case KindFTP:
		return 21
	case KindSFTP:
		return 22
	}
	return 0
}

// EffectivePort returns Port, or the default port when unset.
func (c Configuration) EffectivePort() int {
	if c.Port != 0 {
		return c.Port
	}
	return c.DefaultPort()
}

// Verbose renders a URL-like title such as ftp://user@host:21/pub.
func (c Configuration) Verbose() string {
	switch c.Kind {
	case KindNative:
		return "file://" + c.Root
	case KindMemory:
		return "mem://" + c.Root
	case KindFTP, KindSFTP:
		u := url.URL{Scheme: string(c.Kind), Host: c.Server, Path: c.Path}
		if c.Port != 0 && c.Port != c.DefaultPort() {
			u.Host += ":" + strconv.Itoa(c.Port)
		}
		if c.User != "" {
			u.User = url.User(c.User)
		}
		return u.String()
	case KindCloud:
		return "dropbox://" + c.Account + c.Path
	case KindS3:
		return "s3://" + c.Bucket + c.Path
	case KindArchive, KindMount:
		return string(c.Kind) + ":" + c.Path
	}
	return string(c.Kind) + ":"
}

// String implements fmt.Stringer.
func (c Configuration) String() string { return c.Verbose() }

// Validate checks that the parameters required by the kind are present.
func (c Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.KindInvalidCall, format, args...).WithComponent("configuration")
	}

	switch c.Kind {
	case KindNative:
		if !strings.HasPrefix(c.Root, "/") {
			return invalid("native root must be an absolute path, got %q", c.Root)
		}
	case KindMemory:
	case KindFTP, KindSFTP:
		if c.Server == "" {
			return invalid("%s host requires a server", c.Kind)
		}
		if c.Port < 0 || c.Port > 65535 {
			return invalid("port %d out of range", c.Port)
		}
	case KindCloud:
		if c.Account == "" {
			return invalid("cloud host requires an account")
		}
	case KindS3:
		if c.Bucket == "" {
			return invalid("s3 host requires a bucket")
		}
	case KindArchive, KindMount:
		if !strings.HasPrefix(c.Path, "/") {
			return invalid("%s host requires an absolute junction path", c.Kind)
		}
	case "":
		return invalid("configuration has no kind")
	default:
		return invalid("unknown host kind %q", c.Kind)
	}
	return nil
}

// ParseURL turns a location URL into a configuration and a path on that
// host. Recognised schemes: file, mem, ftp, sftp, dropbox, s3.
func ParseURL(raw string) (Configuration, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Configuration{}, "", errors.Wrap(errors.KindInvalidCall, err, "malformed location").WithPath(raw)
	}

	p := u.Path
	if p == "" {
		p = "/"
	}

	var c Configuration
	switch u.Scheme {
	case "", "file":
		c = Configuration{Kind: KindNative, Root: "/"}
	case "mem":
		c = Configuration{Kind: KindMemory, Root: "/" + u.Host}
		if u.Host == "" {
			c.Root = "/"
		}
	case "ftp", "sftp":
		c = Configuration{Kind: Kind(u.Scheme), Server: u.Hostname()}
		if u.User != nil {
			c.User = u.User.Username()
		}
		if port := u.Port(); port != "" {
			n, err := strconv.Atoi(port)
			if err != nil {
				return Configuration{}, "", errors.Newf(errors.KindInvalidCall, "bad port %q", port).WithPath(raw)
			}
			c.Port = n
		}
	case "dropbox":
		c = Configuration{Kind: KindCloud, Account: u.Host}
	case "s3":
		c = Configuration{Kind: KindS3, Bucket: u.Host, Region: u.Query().Get("region"), Endpoint: u.Query().Get("endpoint")}
	default:
		return Configuration{}, "", errors.Newf(errors.KindNotSupported, "unsupported scheme %q", u.Scheme).WithPath(raw)
	}

	if err := c.Validate(); err != nil {
		return Configuration{}, "", err
	}
	return c, p, nil
}
