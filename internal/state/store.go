// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package state is the SQLite-backed persistence layer for networks,
// NICs, and security groups. The Reactor Manager is the only caller:
// it loads the full table on startup to drive crash recovery, and
// writes through on every create/delete so a restart can reconstruct
// the in-memory registry and route table snapshots.
package state

import (
	"database/sql"
	"net"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	flerrors "mvirt.io/netd/internal/errors"
	"mvirt.io/netd/internal/model"
)

// Store wraps a WAL-mode SQLite database holding the daemon's
// persisted entities.
type Store struct {
	db *sql.DB
}

// Open opens or creates the state database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindUnavailable, "open state db "+path)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS networks (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		ipv4_cidr   TEXT,
		ipv6_cidr   TEXT,
		dns         TEXT,
		ntp         TEXT,
		is_public   BOOLEAN NOT NULL DEFAULT 0,
		lease_ttl_s INTEGER NOT NULL DEFAULT 3600,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nics (
		id               TEXT PRIMARY KEY,
		network_id       TEXT NOT NULL REFERENCES networks(id),
		mac              TEXT NOT NULL,
		ipv4             TEXT,
		ipv6             TEXT,
		routed_ipv4      TEXT,
		routed_ipv6      TEXT,
		socket_path      TEXT NOT NULL,
		delegated_ipv6   TEXT,
		state            TEXT NOT NULL,
		security_groups  TEXT,
		agent_cid        INTEGER,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nics_network ON nics(network_id);

	CREATE TABLE IF NOT EXISTS security_groups (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS security_rules (
		id          TEXT PRIMARY KEY,
		group_id    TEXT NOT NULL REFERENCES security_groups(id),
		seq         INTEGER NOT NULL,
		direction   TEXT NOT NULL,
		protocol    INTEGER NOT NULL,
		ip_version  INTEGER NOT NULL,
		port_start  INTEGER NOT NULL DEFAULT 0,
		port_end    INTEGER NOT NULL DEFAULT 0,
		cidr        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_rules_group ON security_rules(group_id, seq);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "init state schema")
	}
	return nil
}

// SaveNetwork upserts a network row.
func (s *Store) SaveNetwork(n *model.Network) error {
	_, err := s.db.Exec(`
		INSERT INTO networks (id, name, ipv4_cidr, ipv6_cidr, dns, ntp, is_public, lease_ttl_s, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, ipv4_cidr = excluded.ipv4_cidr, ipv6_cidr = excluded.ipv6_cidr,
			dns = excluded.dns, ntp = excluded.ntp, is_public = excluded.is_public,
			lease_ttl_s = excluded.lease_ttl_s, updated_at = excluded.updated_at
	`,
		n.ID, n.Name, cidrString(n.IPv4CIDR), cidrString(n.IPv6CIDR),
		joinIPs(n.DNS), joinIPs(n.NTP), n.IsPublic, int64(n.LeaseTTL/time.Second),
		n.CreatedAt.Unix(), n.UpdatedAt.Unix(),
	)
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "save network "+n.ID)
	}
	return nil
}

// DeleteNetwork removes a network row. Callers must have already
// deleted every NIC attached to it.
func (s *Store) DeleteNetwork(id string) error {
	_, err := s.db.Exec(`DELETE FROM networks WHERE id = ?`, id)
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "delete network "+id)
	}
	return nil
}

// ListNetworks returns every persisted network.
func (s *Store) ListNetworks() ([]*model.Network, error) {
	rows, err := s.db.Query(`SELECT id, name, ipv4_cidr, ipv6_cidr, dns, ntp, is_public, lease_ttl_s, created_at, updated_at FROM networks`)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindInternal, "list networks")
	}
	defer rows.Close()

	var out []*model.Network
	for rows.Next() {
		n := &model.Network{}
		var ipv4, ipv6, dns, ntp sql.NullString
		var leaseSec, createdAt, updatedAt int64
		if err := rows.Scan(&n.ID, &n.Name, &ipv4, &ipv6, &dns, &ntp, &n.IsPublic, &leaseSec, &createdAt, &updatedAt); err != nil {
			return nil, flerrors.Wrap(err, flerrors.KindInternal, "scan network row")
		}
		n.IPv4CIDR = parseCIDR(ipv4.String)
		n.IPv6CIDR = parseCIDR(ipv6.String)
		n.DNS = splitIPs(dns.String)
		n.NTP = splitIPs(ntp.String)
		n.LeaseTTL = time.Duration(leaseSec) * time.Second
		n.CreatedAt = time.Unix(createdAt, 0)
		n.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, n)
	}
	return out, rows.Err()
}

// SaveNIC upserts a NIC row.
func (s *Store) SaveNIC(n *model.NIC) error {
	var agentCID sql.NullInt64
	if n.AgentCID != nil {
		agentCID = sql.NullInt64{Int64: int64(*n.AgentCID), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO nics (id, network_id, mac, ipv4, ipv6, routed_ipv4, routed_ipv6, socket_path, delegated_ipv6, state, security_groups, agent_cid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			network_id = excluded.network_id, mac = excluded.mac, ipv4 = excluded.ipv4, ipv6 = excluded.ipv6,
			routed_ipv4 = excluded.routed_ipv4, routed_ipv6 = excluded.routed_ipv6, socket_path = excluded.socket_path,
			delegated_ipv6 = excluded.delegated_ipv6, state = excluded.state, security_groups = excluded.security_groups,
			agent_cid = excluded.agent_cid, updated_at = excluded.updated_at
	`,
		n.ID, n.NetworkID, n.MAC.String(), ipString(n.IPv4), ipString(n.IPv6),
		joinPrefixes(n.RoutedIPv4), joinPrefixes(n.RoutedIPv6), n.SocketPath, cidrString(n.DelegatedIPv6),
		string(n.State), strings.Join(n.SecurityGroup, ","), agentCID, n.CreatedAt.Unix(), n.UpdatedAt.Unix(),
	)
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "save nic "+n.ID)
	}
	return nil
}

// DeleteNIC removes a NIC row.
func (s *Store) DeleteNIC(id string) error {
	_, err := s.db.Exec(`DELETE FROM nics WHERE id = ?`, id)
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "delete nic "+id)
	}
	return nil
}

// ListNICs returns every persisted NIC, across all networks. The
// manager's crash recovery path uses this to re-bind sockets and
// respawn reactors on startup.
func (s *Store) ListNICs() ([]*model.NIC, error) {
	rows, err := s.db.Query(`SELECT id, network_id, mac, ipv4, ipv6, routed_ipv4, routed_ipv6, socket_path, delegated_ipv6, state, security_groups, agent_cid, created_at, updated_at FROM nics`)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindInternal, "list nics")
	}
	defer rows.Close()

	var out []*model.NIC
	for rows.Next() {
		n := &model.NIC{}
		var mac, ipv4, ipv6, routed4, routed6, delegated, secGroups string
		var agentCID sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&n.ID, &n.NetworkID, &mac, &ipv4, &ipv6, &routed4, &routed6, &n.SocketPath, &delegated, &n.State, &secGroups, &agentCID, &createdAt, &updatedAt); err != nil {
			return nil, flerrors.Wrap(err, flerrors.KindInternal, "scan nic row")
		}
		n.MAC, _ = net.ParseMAC(mac)
		n.IPv4 = net.ParseIP(ipv4)
		n.IPv6 = net.ParseIP(ipv6)
		n.RoutedIPv4 = splitPrefixes(routed4)
		n.RoutedIPv6 = splitPrefixes(routed6)
		n.DelegatedIPv6 = parseCIDR(delegated)
		if secGroups != "" {
			n.SecurityGroup = strings.Split(secGroups, ",")
		}
		if agentCID.Valid {
			cid := uint32(agentCID.Int64)
			n.AgentCID = &cid
		}
		n.CreatedAt = time.Unix(createdAt, 0)
		n.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, n)
	}
	return out, rows.Err()
}

// SaveSecurityGroup upserts a security group and replaces its full set
// of rules. Rules are deleted and reinserted rather than diffed: group
// rule lists are small and change as a unit from the control plane.
func (s *Store) SaveSecurityGroup(g *model.SecurityGroup) error {
	tx, err := s.db.Begin()
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "begin save security group "+g.ID)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO security_groups (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description, updated_at = excluded.updated_at
	`, g.ID, g.Name, g.Description, g.CreatedAt.Unix(), g.UpdatedAt.Unix())
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "upsert security group "+g.ID)
	}

	if _, err := tx.Exec(`DELETE FROM security_rules WHERE group_id = ?`, g.ID); err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "clear security rules for "+g.ID)
	}
	for i, r := range g.Rules {
		_, err := tx.Exec(`
			INSERT INTO security_rules (id, group_id, seq, direction, protocol, ip_version, port_start, port_end, cidr)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, g.ID, i, r.Direction.String(), int(r.Protocol), int(r.IPVer), r.PortStart, r.PortEnd, cidrString(r.CIDR))
		if err != nil {
			return flerrors.Wrap(err, flerrors.KindInternal, "insert security rule "+r.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "commit save security group "+g.ID)
	}
	return nil
}

// DeleteSecurityGroup removes a group and its rules.
func (s *Store) DeleteSecurityGroup(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "begin delete security group "+id)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM security_rules WHERE group_id = ?`, id); err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "delete security rules for "+id)
	}
	if _, err := tx.Exec(`DELETE FROM security_groups WHERE id = ?`, id); err != nil {
		return flerrors.Wrap(err, flerrors.KindInternal, "delete security group "+id)
	}
	return tx.Commit()
}

// ListSecurityGroups returns every persisted group with its rules
// populated in insertion order.
func (s *Store) ListSecurityGroups() ([]*model.SecurityGroup, error) {
	rows, err := s.db.Query(`SELECT id, name, description, created_at, updated_at FROM security_groups`)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindInternal, "list security groups")
	}
	defer rows.Close()

	var groups []*model.SecurityGroup
	for rows.Next() {
		g := &model.SecurityGroup{}
		var createdAt, updatedAt int64
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &createdAt, &updatedAt); err != nil {
			return nil, flerrors.Wrap(err, flerrors.KindInternal, "scan security group row")
		}
		g.CreatedAt = time.Unix(createdAt, 0)
		g.UpdatedAt = time.Unix(updatedAt, 0)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, g := range groups {
		rules, err := s.rulesForGroup(g.ID)
		if err != nil {
			return nil, err
		}
		g.Rules = rules
	}
	return groups, nil
}

func (s *Store) rulesForGroup(groupID string) ([]model.SecurityRule, error) {
	rows, err := s.db.Query(`
		SELECT id, direction, protocol, ip_version, port_start, port_end, cidr
		FROM security_rules WHERE group_id = ? ORDER BY seq
	`, groupID)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindInternal, "list security rules for "+groupID)
	}
	defer rows.Close()

	var rules []model.SecurityRule
	for rows.Next() {
		var r model.SecurityRule
		var direction, cidr string
		var protocol, ipVer int
		if err := rows.Scan(&r.ID, &direction, &protocol, &ipVer, &r.PortStart, &r.PortEnd, &cidr); err != nil {
			return nil, flerrors.Wrap(err, flerrors.KindInternal, "scan security rule row")
		}
		r.Direction = parseDirection(direction)
		r.Protocol = model.Protocol(protocol)
		r.IPVer = model.IPVersion(ipVer)
		r.CIDR = parseCIDR(cidr)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func parseDirection(s string) model.Direction {
	if s == "ingress" {
		return model.DirectionIngress
	}
	return model.DirectionEgress
}

func cidrString(n *net.IPNet) string {
	if n == nil {
		return ""
	}
	return n.String()
}

func parseCIDR(s string) *net.IPNet {
	if s == "" {
		return nil
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil
	}
	return n
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func joinIPs(ips []net.IP) string {
	if len(ips) == 0 {
		return ""
	}
	parts := make([]string, len(ips))
	for i, ip := range ips {
		parts[i] = ip.String()
	}
	return strings.Join(parts, ",")
}

func splitIPs(s string) []net.IP {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]net.IP, 0, len(parts))
	for _, p := range parts {
		if ip := net.ParseIP(p); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

func joinPrefixes(prefixes []model.RoutedPrefix) string {
	if len(prefixes) == 0 {
		return ""
	}
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = cidrString(p.Prefix)
	}
	return strings.Join(parts, ",")
}

func splitPrefixes(s string) []model.RoutedPrefix {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]model.RoutedPrefix, 0, len(parts))
	for _, p := range parts {
		if n := parseCIDR(p); n != nil {
			out = append(out, model.RoutedPrefix{Prefix: n})
		}
	}
	return out
}
