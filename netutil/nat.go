// Copyright 2024 The gquery Authors
// This file is part of the gquery library.
//
// The gquery library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gquery library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gquery library. If not, see <http://www.gnu.org/licenses/>.

// Package netutil resolves a worker's externally reachable address for
// deployments where the node descriptor file's tcp_port sits behind NAT
// (a single-box demo cluster punched through a home router, say), and
// hands out cluster-unique identifiers where a node descriptor line isn't
// available yet.
package netutil

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/huin/goupnp/dcps/internetgateway1"

	"github.com/gquery/gquery/log"
)

// Mapper punches a TCP port mapping through a NAT gateway and reports the
// external address it obtained.
type Mapper interface {
	AddMapping(internalPort int, lifetime time.Duration) (externalIP string, externalPort int, err error)
	Name() string
}

var logger = log.NewModuleLogger(log.Admin)

// DiscoverMapper tries UPnP IGDv1 first, then NAT-PMP, returning the
// first gateway that answers.
func DiscoverMapper() (Mapper, error) {
	if m, err := discoverUPnP(); err == nil {
		return m, nil
	}
	if m, err := discoverNATPMP(); err == nil {
		return m, nil
	}
	return nil, fmt.Errorf("netutil: no UPnP or NAT-PMP gateway found")
}

type upnpMapper struct {
	client *internetgateway1.WANIPConnection1
}

func discoverUPnP() (Mapper, error) {
	clients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("netutil: no WANIPConnection1 clients found")
	}
	return &upnpMapper{client: clients[0]}, nil
}

func (m *upnpMapper) Name() string { return "upnp" }

func (m *upnpMapper) AddMapping(internalPort int, lifetime time.Duration) (string, int, error) {
	externalIP, err := m.client.GetExternalIPAddress()
	if err != nil {
		return "", 0, err
	}
	if err := m.client.AddPortMapping("", uint16(internalPort), "TCP", uint16(internalPort), externalIP, true, "gquery", uint32(lifetime.Seconds())); err != nil {
		return "", 0, err
	}
	return externalIP, internalPort, nil
}

type natpmpMapper struct {
	client *natpmp.Client
}

func discoverNATPMP() (Mapper, error) {
	gateway, err := defaultGateway()
	if err != nil {
		return nil, err
	}
	return &natpmpMapper{client: natpmp.NewClient(gateway)}, nil
}

func (m *natpmpMapper) Name() string { return "nat-pmp" }

func (m *natpmpMapper) AddMapping(internalPort int, lifetime time.Duration) (string, int, error) {
	ext, err := m.client.GetExternalAddress()
	if err != nil {
		return "", 0, err
	}
	res, err := m.client.AddPortMapping("tcp", internalPort, internalPort, int(lifetime.Seconds()))
	if err != nil {
		return "", 0, err
	}
	ip := fmt.Sprintf("%d.%d.%d.%d", ext.ExternalIPAddress[0], ext.ExternalIPAddress[1], ext.ExternalIPAddress[2], ext.ExternalIPAddress[3])
	return ip, int(res.MappedExternalPort), nil
}

// defaultGateway reads /proc/net/route for the default (all-zero
// destination) route's gateway column. NAT-PMP has no discovery protocol
// of its own, unlike UPnP's SSDP broadcast, so something has to name the
// gateway explicitly.
func defaultGateway() (net.IP, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[1] != "00000000" {
			continue
		}
		gw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			continue
		}
		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, uint32(gw))
		return ip, nil
	}
	return nil, fmt.Errorf("netutil: no default route found")
}
