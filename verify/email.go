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

// Package verify implements the post-discovery checks: the four-level
// email pipeline (syntax and lists, domain existence, MX, SMTP probe) and
// phone parsing with numbering-plan classification. Every level annotates;
// a deeper failure never erases what the shallower levels found.
package verify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Score contributions per level. The SMTP level is worth its full weight
// only on a definitive accept; skipped or inconclusive probes earn the
// neutral half, and a definitive reject takes its weight back.
const (
	scoreSyntax     = 0.2
	scoreDomain     = 0.2
	scoreMX         = 0.3
	scoreMXFallback = 0.15
	scoreSMTP       = 0.3
	scoreSMTPNeut   = 0.15

	// verifiedThreshold is the composite score at which an address counts
	// as verified, disposable domains excluded.
	verifiedThreshold = 0.7
)

var (
	localRe  = regexp.MustCompile("^[A-Za-z0-9!#$%&'*+/=?^_`{|}~.-]+$")
	domainRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)+$`)
)

// SMTPStatus records what the probe level concluded.
type SMTPStatus string

const (
	SMTPSkipped      SMTPStatus = "skipped"
	SMTPAccepted     SMTPStatus = "accepted"
	SMTPRejected     SMTPStatus = "rejected"
	SMTPInconclusive SMTPStatus = "inconclusive"
)

// EmailReport carries the annotations of all completed levels. Level is
// the deepest level that ran; flags of shallower levels stay valid even
// when a deeper one failed.
type EmailReport struct {
	Email        string
	Level        int
	Score        float64
	Verified     bool
	SyntaxOK     bool
	Disposable   bool
	RoleBased    bool
	DomainExists bool
	MXFound      bool
	CatchAll     bool
	SMTP         SMTPStatus
}

// Config holds the pipeline settings.
type Config struct {
	// SMTPEnabled turns the fourth level on. Deployments sharing an
	// outbound IP usually keep it off to stay clear of blocklists.
	SMTPEnabled bool
	// ProbeFrom is the MAIL FROM address used by probes.
	ProbeFrom string
	// Timeout bounds each network step.
	Timeout time.Duration

	Resolver Resolver
	Prober   Prober
	Lists    *Lists
	Logger   *zap.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.ProbeFrom == "" {
		cfg.ProbeFrom = "verify@captely.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Prober == nil && cfg.SMTPEnabled {
		cfg.Prober = NewSMTPProber("", cfg.Timeout)
	}
	if cfg.Lists == nil {
		cfg.Lists = NewLists(nil, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Verifier runs the email pipeline. Safe for concurrent use.
type Verifier struct {
	cfg Config
	log *zap.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(cfg Config) *Verifier {
	cfg = cfg.withDefaults()
	return &Verifier{cfg: cfg, log: cfg.Logger}
}

// Verify walks the levels as deep as the address allows and returns the
// annotated report. It never returns an error: network trouble shows up as
// an inconclusive level, not a failure.
func (v *Verifier) Verify(ctx context.Context, email string) *EmailReport {
	rep := &EmailReport{Email: email, SMTP: SMTPSkipped}

	rep.Level = 1
	local, domain, ok := splitAddress(email)
	rep.SyntaxOK = ok
	if !ok {
		return rep.finish()
	}
	rep.Score += scoreSyntax
	rep.Disposable = v.cfg.Lists.IsDisposable(domain)
	rep.RoleBased = v.cfg.Lists.IsRole(local)

	rep.Level = 2
	if !v.domainExists(ctx, domain) {
		return rep.finish()
	}
	rep.DomainExists = true
	rep.Score += scoreDomain

	rep.Level = 3
	hosts := v.mailHosts(ctx, domain)
	if rep.MXFound = len(hosts) > 0; rep.MXFound {
		rep.Score += scoreMX
	} else {
		// RFC 5321: with no MX the address host itself receives mail.
		rep.Score += scoreMXFallback
		hosts = []string{domain}
	}

	if !v.cfg.SMTPEnabled || v.cfg.Prober == nil {
		rep.Score += scoreSMTPNeut
		return rep.finish()
	}

	rep.Level = 4
	status := v.cfg.Prober.Probe(ctx, hosts[0], v.cfg.ProbeFrom, email)
	if status == ProbeAccepted {
		// An accept only means something if a random sibling is refused.
		if v.cfg.Prober.Probe(ctx, hosts[0], v.cfg.ProbeFrom, randomLocal()+"@"+domain) == ProbeAccepted {
			rep.CatchAll = true
		}
	}
	switch {
	case rep.CatchAll:
		rep.SMTP = SMTPInconclusive
		rep.Score += scoreSMTPNeut
	case status == ProbeAccepted:
		rep.SMTP = SMTPAccepted
		rep.Score += scoreSMTP
	case status == ProbeRejected:
		rep.SMTP = SMTPRejected
		rep.Score -= scoreSMTP
		if rep.Score < 0 {
			rep.Score = 0
		}
	default:
		rep.SMTP = SMTPInconclusive
		rep.Score += scoreSMTPNeut
	}
	return rep.finish()
}

func (rep *EmailReport) finish() *EmailReport {
	rep.Verified = rep.Score >= verifiedThreshold && !rep.Disposable && rep.SMTP != SMTPRejected
	return rep
}

func (v *Verifier) domainExists(ctx context.Context, domain string) bool {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	addrs, err := v.cfg.Resolver.LookupIPAddr(ctx, domain)
	if err != nil {
		v.log.Debug("domain lookup failed", zap.String("domain", domain), zap.Error(err))
		return false
	}
	return len(addrs) > 0
}

func (v *Verifier) mailHosts(ctx context.Context, domain string) []string {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	records, err := v.cfg.Resolver.LookupMX(ctx, domain)
	if err != nil {
		v.log.Debug("mx lookup failed", zap.String("domain", domain), zap.Error(err))
		return nil
	}
	return mxHosts(records)
}

// splitAddress validates the syntax level: RFC length bounds, permitted
// characters, sane dot placement.
func splitAddress(email string) (local, domain string, ok bool) {
	if len(email) > 254 {
		return "", "", false
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", "", false
	}
	local, domain = email[:at], email[at+1:]
	if len(local) > 64 || len(domain) > 255 {
		return "", "", false
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return "", "", false
	}
	if !localRe.MatchString(local) || !domainRe.MatchString(domain) {
		return "", "", false
	}
	return local, domain, true
}

func randomLocal() string {
	var buf [8]byte
	rand.Read(buf[:])
	return "cx-" + hex.EncodeToString(buf[:])
}
