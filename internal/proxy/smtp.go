// Copyright (C) 2019 Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"github.com/passman/passman/internal/audit"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/util"
	"github.com/passman/passman/internal/vault"
	"github.com/passman/passman/internal/version"
)

// SendEmail describes a single message delivery through a stored SMTP
// account
type SendEmail struct {
	CredentialID uuid.UUID
	To           []string
	CC           []string
	BCC          []string
	Subject      string
	Body         string
	// From overrides the sender address, the SMTP username is the default
	From string
}

// EmailResult reports the delivery outcome
type EmailResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
}

// SendEmail delivers one message using the credential's SMTP account.
// Every recipient in to, cc and bcc is checked against the policy
func (p *Proxy) SendEmail(ctx context.Context, req *SendEmail) (*EmailResult, error) {
	connID := connectionID()
	recipients := make([]string, 0, len(req.To)+len(req.CC)+len(req.BCC))
	recipients = append(recipients, req.To...)
	recipients = append(recipients, req.CC...)
	recipients = append(recipients, req.BCC...)

	secret, meta, err := p.authorize(req.CredentialID, audit.ActionSendEmail.String(),
		&policy.Request{Recipients: recipients})
	if err != nil {
		p.logAudit(audit.ActionSendEmail, req.CredentialID, meta.Name, false,
			fmt.Sprintf("to %s: %s", strings.Join(recipients, ","), errorClass(err)))
		return nil, err
	}
	secrets := p.secretsToScrub(secret)
	defer secret.Zero()

	ctx, cancel := context.WithTimeout(ctx, p.timeouts.SMTP)
	defer cancel()

	result, err := p.executeSMTP(ctx, secret, req)
	err = mapError(ctx, err, secrets)
	p.logAudit(audit.ActionSendEmail, req.CredentialID, meta.Name, err == nil,
		fmt.Sprintf("to %s: %s", strings.Join(recipients, ","), errorClass(err)))
	if err != nil {
		logger.Debug(logSender, connID, "send email failed: %v", err)
		return nil, err
	}
	return result, nil
}

func (p *Proxy) executeSMTP(ctx context.Context, secret *vault.Secret, req *SendEmail) (*EmailResult, error) {
	if secret.Type != vault.KindSMTPAccount {
		return nil, vault.NewKindMismatchError(
			fmt.Sprintf("credential kind %q is not usable for sending emails", secret.Type))
	}
	if len(req.To) == 0 {
		return nil, util.NewValidationError("at least one recipient is required")
	}

	msg := mail.NewMsg()
	msg.SetUserAgent(version.GetServerVersion("-"))
	from := req.From
	if from == "" {
		from = secret.Username
	}
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(req.To...); err != nil {
		return nil, fmt.Errorf("invalid to address: %w", err)
	}
	if len(req.CC) > 0 {
		if err := msg.Cc(req.CC...); err != nil {
			return nil, fmt.Errorf("invalid cc address: %w", err)
		}
	}
	if len(req.BCC) > 0 {
		if err := msg.Bcc(req.BCC...); err != nil {
			return nil, fmt.Errorf("invalid bcc address: %w", err)
		}
	}
	msg.Subject(req.Subject)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, req.Body)

	client, err := mail.NewClient(secret.Host, getMailClientOptions(secret)...)
	if err != nil {
		return nil, newProtocolError("unable to create mail client: %v", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return nil, newProtocolError("unable to send email: %v", err)
	}
	return &EmailResult{
		Success:   true,
		MessageID: msg.GetMessageID(),
	}, nil
}

func getMailClientOptions(secret *vault.Secret) []mail.Option {
	options := []mail.Option{mail.WithoutNoop(), mail.WithPort(secret.Port)}

	switch secret.Encryption {
	case vault.SMTPEncryptionTLS:
		options = append(options, mail.WithSSLPort(false))
	case vault.SMTPEncryptionStartTLS:
		options = append(options, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	default:
		options = append(options, mail.WithTLSPortPolicy(mail.NoTLS))
	}
	options = append(options,
		mail.WithUsername(secret.Username),
		mail.WithPassword(secret.Password),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
	)
	return options
}
