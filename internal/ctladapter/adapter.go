// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctladapter exposes internal/manager.ControlPlane over a Unix
// domain socket using net/rpc, the same local-transport style the
// teacher's ctlplane package uses for its own privileged control
// socket. It is a thin marshaling layer: every method here does
// argument conversion and delegates straight to the wrapped
// ControlPlane, never re-implementing validation or locking.
package ctladapter

import (
	"net"
	"net/rpc"
	"os"
	"time"

	flerrors "mvirt.io/netd/internal/errors"
	"mvirt.io/netd/internal/manager"
	"mvirt.io/netd/internal/model"
)

// Server adapts a manager.ControlPlane onto net/rpc. Method names follow
// net/rpc's convention (exported, func(args, *reply) error) so
// rpc.Register can find them by reflection.
type Server struct {
	cp manager.ControlPlane
}

// NewServer wraps cp for RPC dispatch.
func NewServer(cp manager.ControlPlane) *Server {
	return &Server{cp: cp}
}

// Serve registers s and accepts connections on a Unix socket at path
// until the listener is closed. It returns at once, accepting on its own
// goroutine; close the returned listener to stop serving.
func Serve(path string, s *Server) (net.Listener, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindInternal, "listen on control plane socket "+path)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		ln.Close()
		return nil, flerrors.Wrap(err, flerrors.KindInternal, "chmod control plane socket "+path)
	}

	srv := rpc.NewServer()
	if err := srv.Register(s); err != nil {
		ln.Close()
		return nil, flerrors.Wrap(err, flerrors.KindInternal, "register control plane RPC methods")
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()

	return ln, nil
}

// CreateNetworkArgs/CreateNetworkReply marshal CreateNetwork.
type CreateNetworkArgs struct {
	Name      string
	IPv4CIDR  string
	IPv6CIDR  string
	DNS       []string
	NTP       []string
	IsPublic  bool
	LeaseTTLs string // time.ParseDuration string, e.g. "1h"
}

type CreateNetworkReply struct {
	Network *model.Network
}

// CreateNetwork implements the RPC method grimm.is/flywall-style
// net/rpc callers invoke as "Server.CreateNetwork".
func (s *Server) CreateNetwork(args CreateNetworkArgs, reply *CreateNetworkReply) error {
	var ipv4, ipv6 *net.IPNet
	if args.IPv4CIDR != "" {
		var err error
		if _, ipv4, err = net.ParseCIDR(args.IPv4CIDR); err != nil {
			return flerrors.Wrap(err, flerrors.KindValidation, "parse ipv4_cidr")
		}
	}
	if args.IPv6CIDR != "" {
		var err error
		if _, ipv6, err = net.ParseCIDR(args.IPv6CIDR); err != nil {
			return flerrors.Wrap(err, flerrors.KindValidation, "parse ipv6_cidr")
		}
	}

	leaseTTL, err := parseDurationOrDefault(args.LeaseTTLs)
	if err != nil {
		return err
	}

	n, err := s.cp.CreateNetwork(args.Name, ipv4, ipv6, parseIPs(args.DNS), parseIPs(args.NTP), args.IsPublic, leaseTTL)
	if err != nil {
		return err
	}
	reply.Network = n
	return nil
}

// DeleteNetworkArgs/DeleteNetworkReply marshal DeleteNetwork.
type DeleteNetworkArgs struct {
	ID string
}

type DeleteNetworkReply struct{}

func (s *Server) DeleteNetwork(args DeleteNetworkArgs, _ *DeleteNetworkReply) error {
	return s.cp.DeleteNetwork(args.ID)
}

// CreateNICArgs/CreateNICReply marshal CreateNIC.
type CreateNICArgs struct {
	NetworkID       string
	MAC             string // empty to auto-generate
	SecurityGroupID []string
}

type CreateNICReply struct {
	NIC *model.NIC
}

func (s *Server) CreateNIC(args CreateNICArgs, reply *CreateNICReply) error {
	var mac net.HardwareAddr
	if args.MAC != "" {
		var err error
		if mac, err = net.ParseMAC(args.MAC); err != nil {
			return flerrors.Wrap(err, flerrors.KindValidation, "parse mac")
		}
	}
	nic, err := s.cp.CreateNIC(args.NetworkID, mac, args.SecurityGroupID)
	if err != nil {
		return err
	}
	reply.NIC = nic
	return nil
}

// DeleteNICArgs/DeleteNICReply marshal DeleteNIC.
type DeleteNICArgs struct {
	ID string
}

type DeleteNICReply struct{}

func (s *Server) DeleteNIC(args DeleteNICArgs, _ *DeleteNICReply) error {
	return s.cp.DeleteNIC(args.ID)
}

// PingNICAgentArgs/PingNICAgentReply marshal PingNICAgent.
type PingNICAgentArgs struct {
	NICID string
}

type PingNICAgentReply struct {
	Status string
}

func (s *Server) PingNICAgent(args PingNICAgentArgs, reply *PingNICAgentReply) error {
	status, err := s.cp.PingNICAgent(args.NICID)
	if err != nil {
		return err
	}
	reply.Status = status
	return nil
}

// CreateInternetTapArgs/CreateInternetTapReply marshal CreateInternetTap.
type CreateInternetTapArgs struct {
	Device   string
	Physical bool
}

type CreateInternetTapReply struct {
	ReactorID string
}

func (s *Server) CreateInternetTap(args CreateInternetTapArgs, reply *CreateInternetTapReply) error {
	rid, err := s.cp.CreateInternetTap(args.Device, args.Physical)
	if err != nil {
		return err
	}
	reply.ReactorID = string(rid)
	return nil
}

// CreateTunnelArgs/CreateTunnelReply marshal CreateTunnel.
type CreateTunnelArgs struct {
	Device string
	Local  string
	Remote string
}

type CreateTunnelReply struct {
	ReactorID string
}

func (s *Server) CreateTunnel(args CreateTunnelArgs, reply *CreateTunnelReply) error {
	local := net.ParseIP(args.Local)
	remote := net.ParseIP(args.Remote)
	if remote == nil {
		return flerrors.Errorf(flerrors.KindValidation, "invalid tunnel remote address %q", args.Remote)
	}
	rid, err := s.cp.CreateTunnel(args.Device, local, remote)
	if err != nil {
		return err
	}
	reply.ReactorID = string(rid)
	return nil
}

// DeleteReactorArgs/DeleteReactorReply marshal DeleteReactor.
type DeleteReactorArgs struct {
	ReactorID string
}

type DeleteReactorReply struct{}

func (s *Server) DeleteReactor(args DeleteReactorArgs, _ *DeleteReactorReply) error {
	return s.cp.DeleteReactor(model.ReactorID(args.ReactorID))
}

func parseDurationOrDefault(s string) (time.Duration, error) {
	if s == "" {
		return time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, flerrors.Wrap(err, flerrors.KindValidation, "parse lease_ttl")
	}
	return d, nil
}

func parseIPs(ss []string) []net.IP {
	if len(ss) == 0 {
		return nil
	}
	ips := make([]net.IP, 0, len(ss))
	for _, s := range ss {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}
