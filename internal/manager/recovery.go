// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package manager

import "mvirt.io/netd/internal/model"

// Recover loads every persisted network, security group, and NIC from
// the store and re-establishes the in-memory state a running daemon
// would have built up through CreateNetwork/CreateNIC calls. NICs are
// rebound to a fresh vhost-user socket and respawned; a NIC whose
// socket can't be rebound is marked NICStateError and left for an
// operator to retry rather than failing the whole recovery pass.
func (m *Manager) Recover() error {
	networks, err := m.cfg.Store.ListNetworks()
	if err != nil {
		return err
	}
	groups, err := m.cfg.Store.ListSecurityGroups()
	if err != nil {
		return err
	}
	nics, err := m.cfg.Store.ListNICs()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, n := range networks {
		m.networks[n.ID] = n
	}
	for _, g := range groups {
		m.secGroups[g.ID] = g
	}
	for _, nic := range nics {
		m.nics[nic.ID] = nic
	}
	m.mu.Unlock()

	for _, nic := range nics {
		m.recoverNIC(nic)
	}
	return nil
}

func (m *Manager) recoverNIC(nic *model.NIC) {
	m.mu.Lock()
	nw, ok := m.networks[nic.NetworkID]
	if !ok {
		m.mu.Unlock()
		m.cfg.Log.Warn("nic references missing network, skipping recovery", "nic", nic.ID, "network", nic.NetworkID)
		return
	}

	if nic.IPv4 != nil {
		m.routes().Add(hostRoute(nic.IPv4), model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: model.ReactorID(nic.ID)})
	}
	if nic.IPv6 != nil {
		m.routes().Add(hostRoute(nic.IPv6), model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: model.ReactorID(nic.ID)})
	}
	for _, rp := range append(append([]model.RoutedPrefix{}, nic.RoutedIPv4...), nic.RoutedIPv6...) {
		m.routes().Add(rp.Prefix, model.RouteTarget{Kind: model.TargetLocalNic, ReactorID: model.ReactorID(nic.ID)})
	}

	err := m.spawnVNIC(nic, nw)
	m.mu.Unlock()

	if err != nil {
		nic.State = model.NICStateError
		m.cfg.Store.SaveNIC(nic)
		m.cfg.Log.Error("failed to rebind nic on recovery", "nic", nic.ID, "err", err)
		return
	}
	m.cfg.Log.Info("nic recovered", "nic", nic.ID, "network", nic.NetworkID)
}
