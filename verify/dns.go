// Copyright 2025 The Captely Authors
// This file is part of the cascade library.
//
// The cascade library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cascade library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cascade library. If not, see <http://www.gnu.org/licenses/>.

package verify

import (
	"context"
	"net"
	"sort"
)

// Resolver is the DNS subset the pipeline needs. The default is the system
// resolver; tests plug in a stub.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// mxHosts returns MX targets ordered by preference, best first. The
// resolver usually sorts already; sorting again keeps the probe target
// deterministic regardless of implementation.
func mxHosts(records []*net.MX) []string {
	sorted := make([]*net.MX, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Pref < sorted[j].Pref })

	hosts := make([]string, 0, len(sorted))
	for _, mx := range sorted {
		if host := trimDot(mx.Host); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

func trimDot(host string) string {
	for len(host) > 0 && host[len(host)-1] == '.' {
		host = host[:len(host)-1]
	}
	return host
}
