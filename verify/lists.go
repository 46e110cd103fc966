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
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// The embedded lists cover the common offenders; deployments extend them
// through configuration.
var (
	defaultDisposableDomains = []string{
		"mailinator.com", "guerrillamail.com", "10minutemail.com",
		"yopmail.com", "temp-mail.org", "tempmail.com", "trashmail.com",
		"getnada.com", "maildrop.cc", "sharklasers.com", "dispostable.com",
		"fakeinbox.com", "mintemail.com", "throwawaymail.com", "mailnesia.com",
		"spamgourmet.com", "mytemp.email", "burnermail.io",
	}
	defaultRoleLocals = []string{
		"info", "contact", "admin", "administrator", "support", "sales",
		"hello", "office", "team", "billing", "marketing", "hr", "jobs",
		"careers", "help", "no-reply", "noreply", "postmaster", "webmaster",
		"hostmaster", "abuse", "security", "root", "mail", "newsletter",
		"press", "legal", "privacy",
	}
)

// Lists answers the disposable-domain and role-account checks of the first
// verification level. Both flags annotate the contact without
// short-circuiting the pipeline.
type Lists struct {
	disposable mapset.Set[string]
	role       mapset.Set[string]
}

// NewLists builds the lists from the embedded defaults plus any configured
// extensions.
func NewLists(extraDisposable, extraRole []string) *Lists {
	l := &Lists{
		disposable: mapset.NewSet(defaultDisposableDomains...),
		role:       mapset.NewSet(defaultRoleLocals...),
	}
	for _, d := range extraDisposable {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			l.disposable.Add(d)
		}
	}
	for _, r := range extraRole {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			l.role.Add(r)
		}
	}
	return l
}

// IsDisposable reports whether the domain belongs to a throwaway service.
func (l *Lists) IsDisposable(domain string) bool {
	return l.disposable.Contains(strings.ToLower(domain))
}

// IsRole reports whether the local part addresses a function rather than a
// person. Plus-tags are ignored for the check.
func (l *Lists) IsRole(local string) bool {
	local = strings.ToLower(local)
	if i := strings.IndexByte(local, '+'); i > 0 {
		local = local[:i]
	}
	return l.role.Contains(local)
}
