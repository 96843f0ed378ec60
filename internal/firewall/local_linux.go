//go:build linux

package firewall

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"expose/internal/types"
)

const (
	preroutingChain  = "prerouting"
	postroutingChain = "postrouting"
)

type localApplier struct {
	conn *nftables.Conn
}

// NewLocal returns an applier that programs the machine's own nftables over
// netlink, for exposing a port on the local host without an ssh hop. It
// produces the same table layout the remote applier installs through nft.
func NewLocal() Applier {
	return &localApplier{conn: &nftables.Conn{}}
}

func (a *localApplier) Check(_ context.Context, d types.RuleDescriptor) (*Observation, error) {
	table, err := a.findTable(d.TableName())
	if err != nil {
		return nil, err
	}
	if table == nil {
		return &Observation{Present: false}, nil
	}

	return a.observe(table)
}

func (a *localApplier) Apply(ctx context.Context, d types.RuleDescriptor) (*types.AppliedRuleHandle, error) {
	obs, err := a.Check(ctx, d)
	if err != nil {
		return nil, err
	}

	if obs.Present {
		if obs.Matches(d) {
			if err := a.removeStaleSibling(ctx, d); err != nil {
				return nil, err
			}
			return newHandle(d), nil
		}
		if !obs.Managed() {
			return nil, &VerificationError{
				Table:  d.TableName(),
				Detail: "an unrelated table already uses this name; refusing to replace it",
			}
		}
	}

	ip := net.ParseIP(d.LocalTarget.Host).To4()
	if ip == nil {
		return nil, errors.Errorf("local applier needs an IPv4 target, got %q", d.LocalTarget.Host)
	}

	// Delete and recreate in a single netlink batch so the swap is atomic.
	if obs.Present {
		a.conn.DelTable(&nftables.Table{Name: d.TableName(), Family: nftables.TableFamilyIPv4})
	}

	table := a.conn.AddTable(&nftables.Table{
		Name:   d.TableName(),
		Family: nftables.TableFamilyIPv4,
	})
	prerouting := a.conn.AddChain(&nftables.Chain{
		Name:     preroutingChain,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityNATDest,
	})
	postrouting := a.conn.AddChain(&nftables.Chain{
		Name:     postroutingChain,
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})

	a.conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: prerouting,
		Exprs: dnatExprs(d, ip),
	})
	a.conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: postrouting,
		Exprs: []expr.Any{&expr.Masq{}},
	})

	if err := a.conn.Flush(); err != nil {
		if isPermission(err) {
			return nil, &PrerequisiteError{Detail: "netlink access to nftables denied (run as root)"}
		}
		return nil, errors.Wrap(err, "failed to program nftables")
	}

	obs, err = a.Check(ctx, d)
	if err != nil {
		return nil, err
	}
	if !obs.Matches(d) {
		return nil, &VerificationError{
			Table:  d.TableName(),
			Detail: "installed state does not match the requested redirect",
		}
	}

	if err := a.removeStaleSibling(ctx, d); err != nil {
		return nil, err
	}
	return newHandle(d), nil
}

func (a *localApplier) removeStaleSibling(ctx context.Context, d types.RuleDescriptor) error {
	sibling := d.Sibling()

	table, err := a.findTable(sibling.TableName())
	if err != nil || table == nil {
		return err
	}

	obs, err := a.observe(table)
	if err != nil {
		return err
	}
	if !obs.Managed() {
		return nil
	}
	return a.Remove(ctx, sibling)
}

func (a *localApplier) Remove(_ context.Context, d types.RuleDescriptor) error {
	table, err := a.findTable(d.TableName())
	if err != nil {
		return err
	}
	if table == nil {
		return nil
	}

	a.conn.DelTable(table)
	if err := a.conn.Flush(); err != nil {
		if isPermission(err) {
			return &PrerequisiteError{Detail: "netlink access to nftables denied (run as root)"}
		}
		return errors.Wrapf(err, "failed to delete table %s", d.TableName())
	}
	return nil
}

func (a *localApplier) findTable(name string) (*nftables.Table, error) {
	tables, err := a.conn.ListTables()
	if err != nil {
		if isPermission(err) {
			return nil, &PrerequisiteError{Detail: "netlink access to nftables denied (run as root)"}
		}
		return nil, errors.Wrap(err, "failed to list nftables tables")
	}

	for _, t := range tables {
		if t.Name == name && t.Family == nftables.TableFamilyIPv4 {
			return t, nil
		}
	}
	return nil, nil
}

// observe rebuilds an Observation from netlink state, rendering Raw in the
// same shape nft prints so Matches and Managed behave identically to the
// remote path.
func (a *localApplier) observe(table *nftables.Table) (*Observation, error) {
	var sb strings.Builder
	var redirects []Redirect

	chains, err := a.conn.ListChains()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list chains")
	}
	for _, c := range chains {
		if c.Table.Name != table.Name || c.Type != nftables.ChainTypeNAT || c.Hooknum == nil {
			continue
		}
		switch *c.Hooknum {
		case *nftables.ChainHookPrerouting:
			sb.WriteString("type nat hook prerouting priority dstnat; policy accept;\n")
		case *nftables.ChainHookPostrouting:
			sb.WriteString("type nat hook postrouting priority srcnat; policy accept;\n")
		}
	}

	rules, err := a.conn.GetRules(table, &nftables.Chain{Name: preroutingChain, Table: table})
	if err == nil {
		for _, r := range rules {
			if redir, ok := redirectFromExprs(r.Exprs); ok {
				redirects = append(redirects, redir)
				sb.WriteString(fmt.Sprintf("%s dport %d dnat to %s\n", redir.Protocol, redir.Port, redir.Target))
			}
		}
	}

	return &Observation{
		Present:   true,
		Redirects: redirects,
		Raw:       sb.String(),
	}, nil
}

func dnatExprs(d types.RuleDescriptor, ip net.IP) []expr.Any {
	proto := byte(unix.IPPROTO_TCP)
	if d.Protocol == types.ProtocolUDP {
		proto = unix.IPPROTO_UDP
	}

	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2,
			Len:          2,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: portBytes(d.RemotePort)},
		&expr.Immediate{Register: 1, Data: ip},
		&expr.Immediate{Register: 2, Data: portBytes(d.LocalTarget.Port)},
		&expr.NAT{
			Type:        expr.NATTypeDestNAT,
			Family:      unix.NFPROTO_IPV4,
			RegAddrMin:  1,
			RegProtoMin: 2,
		},
	}
}

// redirectFromExprs inverts dnatExprs: it walks a rule's expressions and
// reassembles the redirect it encodes.
func redirectFromExprs(exprs []expr.Any) (Redirect, bool) {
	var (
		redir     Redirect
		addr      net.IP
		port      uint16
		haveProto bool
		haveNAT   bool
		immediate = map[uint32][]byte{}
	)

	for _, e := range exprs {
		switch v := e.(type) {
		case *expr.Cmp:
			switch len(v.Data) {
			case 1:
				if v.Data[0] == unix.IPPROTO_UDP {
					redir.Protocol = types.ProtocolUDP
				} else {
					redir.Protocol = types.ProtocolTCP
				}
				haveProto = true
			case 2:
				redir.Port = binary.BigEndian.Uint16(v.Data)
			}
		case *expr.Immediate:
			immediate[v.Register] = v.Data
		case *expr.NAT:
			if v.Type != expr.NATTypeDestNAT {
				continue
			}
			if data, ok := immediate[v.RegAddrMin]; ok && len(data) == 4 {
				addr = net.IP(data)
			}
			if data, ok := immediate[v.RegProtoMin]; ok && len(data) == 2 {
				port = binary.BigEndian.Uint16(data)
			}
			haveNAT = true
		}
	}

	if !haveProto || !haveNAT || redir.Port == 0 || addr == nil || port == 0 {
		return Redirect{}, false
	}

	redir.Target = fmt.Sprintf("%s:%d", addr, port)
	return redir, true
}

func portBytes(port uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, port)
	return b
}

func isPermission(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}
