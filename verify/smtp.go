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
	"net/smtp"
	"net/textproto"
	"time"
)

// ProbeStatus is the verdict of one RCPT probe.
type ProbeStatus int

const (
	ProbeInconclusive ProbeStatus = iota
	ProbeAccepted
	ProbeRejected
)

// Prober asks a mail exchanger whether it would accept an address, without
// ever sending a message.
type Prober interface {
	Probe(ctx context.Context, mxHost, from, to string) ProbeStatus
}

// smtpProber speaks just enough SMTP for the question: HELO, MAIL FROM,
// RCPT TO, QUIT. A 250 on RCPT is positive, a 5xx negative; everything
// else, grey-listing included, is inconclusive.
type smtpProber struct {
	helloHost string
	timeout   time.Duration
}

// NewSMTPProber creates the default prober. helloHost is the name
// announced in HELO; timeout bounds the whole conversation.
func NewSMTPProber(helloHost string, timeout time.Duration) Prober {
	if helloHost == "" {
		helloHost = "localhost"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &smtpProber{helloHost: helloHost, timeout: timeout}
}

func (p *smtpProber) Probe(ctx context.Context, mxHost, from, to string) ProbeStatus {
	dialer := &net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(mxHost, "25"))
	if err != nil {
		return ProbeInconclusive
	}
	defer conn.Close()
	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, mxHost)
	if err != nil {
		return ProbeInconclusive
	}
	defer client.Close()

	if err := client.Hello(p.helloHost); err != nil {
		return ProbeInconclusive
	}
	if err := client.Mail(from); err != nil {
		return ProbeInconclusive
	}
	err = client.Rcpt(to)
	client.Quit()
	switch {
	case err == nil:
		return ProbeAccepted
	case isPermanentReject(err):
		return ProbeRejected
	default:
		return ProbeInconclusive
	}
}

// isPermanentReject recognizes a definitive 5xx answer on RCPT. Temporary
// 4xx codes are grey-listing and prove nothing.
func isPermanentReject(err error) bool {
	if tpErr, ok := err.(*textproto.Error); ok {
		return tpErr.Code >= 500 && tpErr.Code < 600
	}
	return false
}
