package credentials

import (
	"context"
	"os"
	"strings"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// DefaultEnvPrefix is the variable prefix EnvProvider reads.
const DefaultEnvPrefix = "NETONBOARD_CRED_"

// EnvProvider reads <prefix><REF>_USERNAME, _PASSWORD, _SECRET, _COMMUNITY and
// _KEY_FILE. REF is the reference upper-cased with every other character
// replaced by an underscore, so "lab/core" reads NETONBOARD_CRED_LAB_CORE_*.
type EnvProvider struct {
	Prefix string

	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)

	// ReadFile defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// NewEnvProvider returns a provider using DefaultEnvPrefix.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{Prefix: DefaultEnvPrefix}
}

// Resolve implements engine.CredentialProvider.
func (p *EnvProvider) Resolve(_ context.Context, ref string) (engine.Credentials, error) {
	lookup := p.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	base := prefix + EnvKey(ref) + "_"

	get := func(suffix string) string {
		v, _ := lookup(base + suffix)
		return v
	}

	creds := engine.Credentials{
		Username:  get("USERNAME"),
		Password:  get("PASSWORD"),
		Secret:    get("SECRET"),
		Community: get("COMMUNITY"),
	}
	if path := get("KEY_FILE"); path != "" {
		readFile := p.ReadFile
		if readFile == nil {
			readFile = os.ReadFile
		}
		key, err := readFile(path)
		if err != nil {
			return engine.Credentials{}, engine.NewAuthError("failed to read private key for "+ref, err)
		}
		creds.PrivateKey = key
	}

	if creds.Username == "" && creds.Community == "" {
		return engine.Credentials{}, Unknown(ref)
	}
	return creds, nil
}

// EnvKey maps a reference onto an environment variable fragment.
func EnvKey(ref string) string {
	var b strings.Builder
	b.Grow(len(ref))
	for _, r := range strings.ToUpper(ref) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
