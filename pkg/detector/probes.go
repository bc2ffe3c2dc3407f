package detector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	nmap "github.com/Ullaakut/nmap/v3"

	"github.com/openfroyo/netonboard/pkg/drivers/snmp"
	"github.com/openfroyo/netonboard/pkg/engine"
	sshtransport "github.com/openfroyo/netonboard/pkg/transports/ssh"
)

// Probe gathers one kind of evidence about a target.
type Probe interface {
	Name() string
	Run(ctx context.Context, req engine.Request) (engine.Evidence, error)
}

// SSHBannerProbe reads the SSH identification string.
type SSHBannerProbe struct{}

func (SSHBannerProbe) Name() string { return "ssh_banner" }

func (SSHBannerProbe) Run(ctx context.Context, req engine.Request) (engine.Evidence, error) {
	target := engine.Target{Address: req.Address, Port: req.Port}
	banner, err := sshtransport.ReadBanner(ctx, target.String())
	if err != nil {
		return engine.Evidence{}, err
	}
	return engine.Evidence{SSHBanner: banner}, nil
}

// SNMPProbe reads sysObjectID and sysDescr. The community or USM user comes
// from the request's credential reference.
type SNMPProbe struct {
	Credentials engine.CredentialProvider
	Options     snmp.Options
	Factory     snmp.ClientFactory
}

func (p *SNMPProbe) Name() string { return "snmp" }

func (p *SNMPProbe) Run(ctx context.Context, req engine.Request) (engine.Evidence, error) {
	if p.Credentials == nil {
		return engine.Evidence{}, fmt.Errorf("no credential provider")
	}
	creds, err := p.Credentials.Resolve(ctx, req.CredentialRef)
	if err != nil {
		return engine.Evidence{}, err
	}

	factory := p.Factory
	if factory == nil {
		factory = snmp.NewGoSNMPClient
	}
	client, err := factory(ctx, req.Address, creds, p.Options)
	if err != nil {
		return engine.Evidence{}, err
	}
	if err := client.Connect(); err != nil {
		return engine.Evidence{}, err
	}
	defer client.Close()

	sys, err := snmp.QuerySystem(client)
	if err != nil {
		return engine.Evidence{}, err
	}
	return engine.Evidence{SysObjectID: sys.ObjectID, SysDescr: sys.Descr}, nil
}

// ScanFunc runs an nmap scan.
type ScanFunc func(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error)

// NmapProbe fingerprints services with nmap -sV. It needs the nmap binary.
type NmapProbe struct {
	// Ports to scan in addition to the request port.
	Ports []int

	// Scan defaults to running the nmap binary.
	Scan ScanFunc
}

func (p *NmapProbe) Name() string { return "nmap" }

func (p *NmapProbe) Run(ctx context.Context, req engine.Request) (engine.Evidence, error) {
	ports := []string{strconv.Itoa(req.Port)}
	for _, port := range p.Ports {
		if port != req.Port {
			ports = append(ports, strconv.Itoa(port))
		}
	}

	scan := p.Scan
	if scan == nil {
		scan = runNmap
	}
	result, err := scan(ctx,
		nmap.WithTargets(req.Address),
		nmap.WithPorts(strings.Join(ports, ",")),
		nmap.WithServiceInfo(),
		nmap.WithSkipHostDiscovery(),
	)
	if err != nil {
		return engine.Evidence{}, err
	}

	products := serviceProducts(result)
	if len(products) == 0 {
		return engine.Evidence{}, fmt.Errorf("nmap identified no services on %s", req.Address)
	}
	return engine.Evidence{ServiceProduct: products}, nil
}

func runNmap(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}
	result, _, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return result, nil
}

// serviceProducts returns "product version" for every open port that nmap
// fingerprinted, in scan order.
func serviceProducts(result *nmap.Run) []string {
	if result == nil {
		return nil
	}
	var out []string
	for _, host := range result.Hosts {
		if host.Status.State != "" && host.Status.State != "up" {
			continue
		}
		for _, port := range host.Ports {
			if port.State.State != "open" || port.Service.Product == "" {
				continue
			}
			product := port.Service.Product
			if port.Service.Version != "" {
				product += " " + port.Service.Version
			}
			out = append(out, product)
		}
	}
	return out
}
