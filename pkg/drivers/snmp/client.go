package snmp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// Client is the part of *gosnmp.GoSNMP the driver and detector use.
type Client interface {
	Connect() error
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalk(rootOid string, walkFn gosnmp.WalkFunc) error
	Close() error
}

// ClientFactory builds an unconnected client for a target.
type ClientFactory func(ctx context.Context, address string, creds engine.Credentials, opts Options) (Client, error)

// Options configure SNMP access.
type Options struct {
	// Version is "2c" or "3".
	Version string `yaml:"version" json:"version" validate:"omitempty,oneof=2c 3"`

	// Port is the agent's UDP port.
	Port uint16 `yaml:"port" json:"port"`

	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
	Retries int           `yaml:"retries" json:"retries" validate:"min=0,max=10"`

	// AuthProtocol and PrivProtocol apply to version 3 only.
	AuthProtocol string `yaml:"auth_protocol" json:"auth_protocol" validate:"omitempty,oneof=MD5 SHA SHA224 SHA256 SHA384 SHA512"`
	PrivProtocol string `yaml:"priv_protocol" json:"priv_protocol" validate:"omitempty,oneof=DES AES AES192 AES256"`
}

// DefaultOptions returns SNMPv2c on port 161.
func DefaultOptions() Options {
	return Options{
		Version:      "2c",
		Port:         161,
		Timeout:      2 * time.Second,
		Retries:      1,
		AuthProtocol: "SHA",
		PrivProtocol: "AES",
	}
}

type goSNMPClient struct {
	*gosnmp.GoSNMP
}

func (c goSNMPClient) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

// NewGoSNMPClient is the default ClientFactory.
// Version 2c uses creds.Community; version 3 uses Username with Password as the
// authentication passphrase and Secret as the privacy passphrase.
func NewGoSNMPClient(ctx context.Context, address string, creds engine.Credentials, opts Options) (Client, error) {
	if opts.Port == 0 {
		opts.Port = 161
	}
	client := &gosnmp.GoSNMP{
		Target:             address,
		Port:               opts.Port,
		Timeout:            opts.Timeout,
		Retries:            opts.Retries,
		MaxOids:            gosnmp.MaxOids,
		MaxRepetitions:     10,
		ExponentialTimeout: true,
		Context:            ctx,
	}
	if client.Timeout <= 0 {
		client.Timeout = DefaultOptions().Timeout
	}

	switch opts.Version {
	case "", "2c":
		if creds.Community == "" {
			return nil, engine.NewAuthError("no SNMP community in credentials", nil).WithResource(address)
		}
		client.Version = gosnmp.Version2c
		client.Community = creds.Community
	case "3":
		if creds.Username == "" {
			return nil, engine.NewAuthError("no SNMPv3 user in credentials", nil).WithResource(address)
		}
		usm := &gosnmp.UsmSecurityParameters{UserName: creds.Username}
		client.MsgFlags = gosnmp.NoAuthNoPriv
		if creds.Password != "" {
			usm.AuthenticationProtocol = authProtocol(opts.AuthProtocol)
			usm.AuthenticationPassphrase = creds.Password
			client.MsgFlags = gosnmp.AuthNoPriv
		}
		if creds.Password != "" && creds.Secret != "" {
			usm.PrivacyProtocol = privProtocol(opts.PrivProtocol)
			usm.PrivacyPassphrase = creds.Secret
			client.MsgFlags = gosnmp.AuthPriv
		}
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.SecurityParameters = usm
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unsupported SNMP version %q", opts.Version), nil)
	}

	return goSNMPClient{client}, nil
}

func authProtocol(name string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToUpper(name) {
	case "MD5":
		return gosnmp.MD5
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.SHA
	}
}

func privProtocol(name string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToUpper(name) {
	case "DES":
		return gosnmp.DES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.AES
	}
}
