package snmp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Session is the subset of an SNMP client the collector needs.
type Session interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalkAll(rootOid string) ([]gosnmp.SnmpPDU, error)
	Close() error
}

// Dialer opens a session to a printer. One session is opened per collection.
type Dialer interface {
	Dial(ctx context.Context, address string) (Session, error)
}

// UDPDialer opens SNMP v2c sessions over UDP.
type UDPDialer struct {
	Community string
	Port      uint16
	Timeout   time.Duration
	Retries   int
}

func (d UDPDialer) Dial(ctx context.Context, address string) (Session, error) {
	host, port := address, d.Port
	if h, p, err := net.SplitHostPort(address); err == nil {
		n, perr := strconv.ParseUint(p, 10, 16)
		if perr != nil {
			return nil, fmt.Errorf("invalid snmp port in %q: %w", address, perr)
		}
		host, port = h, uint16(n)
	}
	if port == 0 {
		port = 161
	}
	g := &gosnmp.GoSNMP{
		Context:        ctx,
		Target:         host,
		Port:           port,
		Community:      d.Community,
		Version:        gosnmp.Version2c,
		Timeout:        d.Timeout,
		Retries:        d.Retries,
		MaxOids:        gosnmp.MaxOids,
		MaxRepetitions: 20,
	}
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s: %w", host, err)
	}
	return udpSession{g: g}, nil
}

type udpSession struct{ g *gosnmp.GoSNMP }

func (s udpSession) Get(oids []string) (*gosnmp.SnmpPacket, error) { return s.g.Get(oids) }

func (s udpSession) BulkWalkAll(root string) ([]gosnmp.SnmpPDU, error) {
	return s.g.BulkWalkAll(root)
}

func (s udpSession) Close() error {
	if s.g.Conn == nil {
		return nil
	}
	return s.g.Conn.Close()
}
