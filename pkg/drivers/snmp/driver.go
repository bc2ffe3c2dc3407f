// Package snmp implements the generic SNMP driver and the system-group query
// shared with the platform detector's SNMP probe.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// Platform is the identifier the driver registers under.
const Platform = "snmp_generic"

// MIB-II, ENTITY-MIB, IP-MIB and IF-MIB objects.
const (
	oidSysDescr    = ".1.3.6.1.2.1.1.1.0"
	oidSysObjectID = ".1.3.6.1.2.1.1.2.0"
	oidSysName     = ".1.3.6.1.2.1.1.5.0"

	oidEntPhysicalClass       = ".1.3.6.1.2.1.47.1.1.1.1.5"
	oidEntPhysicalSoftwareRev = ".1.3.6.1.2.1.47.1.1.1.1.10"
	oidEntPhysicalSerialNum   = ".1.3.6.1.2.1.47.1.1.1.1.11"
	oidEntPhysicalModelName   = ".1.3.6.1.2.1.47.1.1.1.1.13"

	oidIPAdEntIfIndex = ".1.3.6.1.2.1.4.20.1.2"
	oidIPAdEntNetMask = ".1.3.6.1.2.1.4.20.1.3"

	oidIfPhysAddress = ".1.3.6.1.2.1.2.2.1.6"
	oidIfName        = ".1.3.6.1.2.1.31.1.1.1.1"

	// entPhysicalClass chassis(3)
	physicalClassChassis = 3
)

var versionPattern = regexp.MustCompile(`(?i)version\s+([^\s,]+)`)

// enterpriseVendors maps IANA enterprise numbers to vendor names.
var enterpriseVendors = map[string]string{
	"9":     "Cisco",
	"11":    "HPE",
	"2011":  "Huawei",
	"2636":  "Juniper",
	"6027":  "Dell",
	"8072":  "Net-SNMP",
	"12356": "Fortinet",
	"14988": "MikroTik",
	"25461": "Palo Alto Networks",
	"30065": "Arista",
	"40310": "NVIDIA",
}

// System is the MIB-II system group subset used for detection.
type System struct {
	Descr    string
	ObjectID string
	Name     string
}

// QuerySystem reads sysDescr, sysObjectID and sysName.
func QuerySystem(client Client) (System, error) {
	result, err := client.Get([]string{oidSysDescr, oidSysObjectID, oidSysName})
	if err != nil {
		return System{}, err
	}
	if result.Error != gosnmp.NoError {
		return System{}, fmt.Errorf("agent returned %s", result.Error)
	}

	var sys System
	for _, v := range result.Variables {
		switch v.Name {
		case oidSysDescr:
			sys.Descr = pduString(v)
		case oidSysObjectID:
			sys.ObjectID = pduString(v)
		case oidSysName:
			sys.Name = pduString(v)
		}
	}
	if sys.ObjectID == "" && sys.Descr == "" {
		return System{}, fmt.Errorf("agent returned no system group")
	}
	return sys, nil
}

// VendorFor returns the vendor owning a sysObjectID's enterprise subtree.
func VendorFor(sysObjectID string) string {
	const enterprises = ".1.3.6.1.4.1."
	oid := "." + strings.TrimPrefix(sysObjectID, ".")
	if !strings.HasPrefix(oid, enterprises) {
		return ""
	}
	number, _, _ := strings.Cut(strings.TrimPrefix(oid, enterprises), ".")
	return enterpriseVendors[number]
}

// Driver reads facts from standard MIBs.
type Driver struct {
	opts    Options
	factory ClientFactory
	logger  zerolog.Logger
}

// New creates the driver. A nil factory uses gosnmp.
func New(opts Options, factory ClientFactory) *Driver {
	if factory == nil {
		factory = NewGoSNMPClient
	}
	return &Driver{
		opts:    opts,
		factory: factory,
		logger:  log.With().Str("component", "snmp").Logger(),
	}
}

// Descriptor returns the registry descriptor. The driver carries no match
// rules; it claims any target whose SNMP agent answered.
func (d *Driver) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Platform:  Platform,
		Vendor:    "generic",
		Transport: "snmp",
	}
}

// Detect reports whether the detector's SNMP probe got an answer.
func (d *Driver) Detect(_ context.Context, _ engine.Target, evidence *engine.Evidence) (bool, error) {
	return evidence != nil && evidence.SysObjectID != "", nil
}

type session struct {
	address string
	client  Client
	system  System
	once    sync.Once
}

// Open builds the client and reads the system group to prove the agent answers.
// The SNMP port comes from Options; the target port addresses the CLI.
func (d *Driver) Open(ctx context.Context, target engine.Target, creds engine.Credentials) (engine.Session, error) {
	client, err := d.factory(ctx, target.Address, creds, d.opts)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(); err != nil {
		return nil, engine.NewConnectionError("failed to open SNMP socket", err).WithResource(target.Address)
	}

	sys, err := QuerySystem(client)
	if err != nil {
		_ = client.Close()
		return nil, classify(target.Address, "open", err)
	}
	return &session{address: target.Address, client: client, system: sys}, nil
}

// GetFacts walks ENTITY-MIB for the chassis and IP-MIB for the management interface.
func (d *Driver) GetFacts(ctx context.Context, s engine.Session) (*engine.DeviceFacts, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return nil, engine.NewError(engine.KindInternal, fmt.Sprintf("snmp: foreign session %T", s), nil)
	}

	facts := &engine.DeviceFacts{
		Hostname: sess.system.Name,
		Vendor:   VendorFor(sess.system.ObjectID),
	}

	chassis, err := d.chassisIndex(sess.client)
	if err != nil {
		return nil, classify(sess.address, "get_facts", err)
	}
	if chassis == "" {
		return nil, engine.NewParseError("ENTITY-MIB has no chassis entry", nil).WithResource(sess.address)
	}

	values, err := getStrings(sess.client,
		oidEntPhysicalSerialNum+"."+chassis,
		oidEntPhysicalModelName+"."+chassis,
		oidEntPhysicalSoftwareRev+"."+chassis,
	)
	if err != nil {
		return nil, classify(sess.address, "get_facts", err)
	}
	facts.Serial = values[0]
	facts.Model = values[1]
	facts.OSVersion = values[2]
	if facts.OSVersion == "" {
		if m := versionPattern.FindStringSubmatch(sess.system.Descr); m != nil {
			facts.OSVersion = m[1]
		}
	}

	switch {
	case facts.Serial == "":
		return nil, engine.NewParseError("chassis has no serial number", nil).WithResource(sess.address)
	case facts.Model == "":
		return nil, engine.NewParseError("chassis has no model name", nil).WithResource(sess.address)
	case facts.OSVersion == "":
		return nil, engine.NewParseError("no software revision or version in sysDescr", nil).WithResource(sess.address)
	}

	if err := ctx.Err(); err != nil {
		return nil, classify(sess.address, "get_facts", err)
	}

	iface, err := d.managementInterface(sess.client, sess.address)
	if err != nil {
		d.logger.Debug().Err(err).Str("address", sess.address).Msg("Management interface lookup failed")
	} else if iface != nil {
		facts.Interfaces = []engine.ManagementInterface{*iface}
	}
	return facts, nil
}

// Close releases the socket. It is idempotent.
func (d *Driver) Close(s engine.Session) {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return
	}
	sess.once.Do(func() {
		if err := sess.client.Close(); err != nil {
			d.logger.Debug().Err(err).Str("address", sess.address).Msg("Close failed")
		}
	})
}

// chassisIndex returns the lowest entPhysicalIndex whose class is chassis.
func (d *Driver) chassisIndex(client Client) (string, error) {
	var indexes []int
	err := client.BulkWalk(oidEntPhysicalClass, func(pdu gosnmp.SnmpPDU) error {
		if gosnmp.ToBigInt(pdu.Value).Int64() != physicalClassChassis {
			return nil
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(pdu.Name, oidEntPhysicalClass+"."))
		if err == nil {
			indexes = append(indexes, idx)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(indexes) == 0 {
		return "", nil
	}
	sort.Ints(indexes)
	return strconv.Itoa(indexes[0]), nil
}

// managementInterface finds the interface holding address in ipAddrTable.
func (d *Driver) managementInterface(client Client, address string) (*engine.ManagementInterface, error) {
	ip := net.ParseIP(address)
	if ip == nil || ip.To4() == nil {
		return nil, nil
	}
	addr := ip.To4().String()

	var ifIndex int
	err := client.BulkWalk(oidIPAdEntIfIndex, func(pdu gosnmp.SnmpPDU) error {
		if strings.TrimPrefix(pdu.Name, oidIPAdEntIfIndex+".") == addr {
			ifIndex = int(gosnmp.ToBigInt(pdu.Value).Int64())
		}
		return nil
	})
	if err != nil || ifIndex == 0 {
		return nil, err
	}

	idx := strconv.Itoa(ifIndex)
	result, err := client.Get([]string{
		oidIfName + "." + idx,
		oidIfPhysAddress + "." + idx,
		oidIPAdEntNetMask + "." + addr,
	})
	if err != nil {
		return nil, err
	}

	iface := &engine.ManagementInterface{Name: "ifIndex" + idx, Address: addr}
	for _, v := range result.Variables {
		switch {
		case strings.HasPrefix(v.Name, oidIfName+"."):
			if name := pduString(v); name != "" {
				iface.Name = name
			}
		case strings.HasPrefix(v.Name, oidIfPhysAddress+"."):
			if b, ok := v.Value.([]byte); ok && len(b) == 6 {
				iface.MAC = net.HardwareAddr(b).String()
			}
		case strings.HasPrefix(v.Name, oidIPAdEntNetMask+"."):
			if mask := net.ParseIP(pduString(v)).To4(); mask != nil {
				iface.PrefixLength, _ = net.IPMask(mask).Size()
			}
		}
	}
	return iface, nil
}

// getStrings fetches OIDs as strings in order; absent objects are empty.
func getStrings(client Client, oids ...string) ([]string, error) {
	result, err := client.Get(oids)
	if err != nil {
		return nil, err
	}
	if result.Error != gosnmp.NoError {
		return nil, fmt.Errorf("agent returned %s", result.Error)
	}
	byName := make(map[string]string, len(result.Variables))
	for _, v := range result.Variables {
		byName[v.Name] = strings.TrimSpace(pduString(v))
	}
	out := make([]string, len(oids))
	for i, oid := range oids {
		out[i] = byName[oid]
	}
	return out, nil
}

func pduString(v gosnmp.SnmpPDU) string {
	switch v.Type {
	case gosnmp.OctetString:
		b, _ := v.Value.([]byte)
		return string(b)
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		s, _ := v.Value.(string)
		return s
	default:
		return ""
	}
}

// classify maps gosnmp errors: request timeouts are transient, USM failures
// are authentication errors, anything else is a protocol error.
func classify(address, op string, err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return engine.NewTimeoutError("SNMP request timed out", err).WithResource(address).WithOperation(op)
	case strings.Contains(msg, "unknown user") || strings.Contains(msg, "wrong digest") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "decryption"):
		return engine.NewAuthError("SNMP agent rejected credentials", err).WithResource(address).WithOperation(op)
	case errors.Is(err, context.Canceled):
		return engine.NewConnectionError("SNMP request cancelled", err).WithResource(address).WithOperation(op)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return engine.NewConnectionError("SNMP transport error", err).WithResource(address).WithOperation(op)
		}
		return engine.NewProtocolError("SNMP request failed", err).WithResource(address).WithOperation(op)
	}
}
