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
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/passman/passman/internal/audit"
	"github.com/passman/passman/internal/httpclient"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/sanitizer"
	"github.com/passman/passman/internal/util"
	"github.com/passman/passman/internal/vault"
)

var supportedHTTPMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodHead}

// HTTPRequest describes an HTTP operation performed with an injected
// credential
type HTTPRequest struct {
	CredentialID uuid.UUID
	Method       string
	URL          string
	Headers      map[string]string
	Body         string
}

// HTTPResponse is the sanitized result of an HTTP operation. The body is
// kept as a UTF-8 string when decodable, hex encoded otherwise
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPRequest performs an HTTP request authenticating with the given
// credential and returns the sanitized response
func (p *Proxy) HTTPRequest(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	connID := connectionID()
	method := strings.ToUpper(req.Method)
	if !util.Contains(supportedHTTPMethods, method) {
		return nil, util.NewValidationError(fmt.Sprintf("unsupported HTTP method %q", req.Method))
	}
	secret, meta, err := p.authorize(req.CredentialID, audit.ActionHTTPRequest.String(), &policy.Request{URL: req.URL})
	if err != nil {
		p.logAudit(audit.ActionHTTPRequest, req.CredentialID, meta.Name, false,
			fmt.Sprintf("%s %s: %s", method, hostOf(req.URL), errorClass(err)))
		return nil, err
	}
	secrets := p.secretsToScrub(secret)
	defer secret.Zero()

	ctx, cancel := context.WithTimeout(ctx, p.timeouts.HTTP)
	defer cancel()

	response, err := p.executeHTTP(ctx, secret, method, req)
	err = mapError(ctx, err, secrets)
	p.logAudit(audit.ActionHTTPRequest, req.CredentialID, meta.Name, err == nil,
		fmt.Sprintf("%s %s: %s", method, hostOf(req.URL), httpResultClass(response, err)))
	if err != nil {
		logger.Debug(logSender, connID, "http request to %q failed: %v", hostOf(req.URL), err)
		return nil, err
	}
	response.Body = sanitizer.Sanitize(response.Body, secrets)
	response.Headers = sanitizer.SanitizeMap(response.Headers, secrets)
	return response, nil
}

func (p *Proxy) executeHTTP(ctx context.Context, secret *vault.Secret, method string,
	req *HTTPRequest,
) (*HTTPResponse, error) {
	client := httpclient.GetHTTPClient(p.timeouts.HTTP)

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, strings.NewReader(req.Body))
	if err != nil {
		return nil, util.NewValidationError(fmt.Sprintf("invalid request: %v", err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	// inject the credential
	switch secret.Type {
	case vault.KindAPIToken:
		httpReq.Header.Set(secret.HeaderName, secret.Prefix+secret.Token)
	case vault.KindPassword:
		httpReq.Header.Set("Authorization", "Basic "+
			base64.StdEncoding.EncodeToString([]byte(secret.Username+":"+secret.Password)))
	case vault.KindCertificate:
		client, err = httpclient.GetMTLSHTTPClient([]byte(secret.CertPEM), []byte(secret.KeyPEM),
			[]byte(secret.CAPEM), p.timeouts.HTTP)
		if err != nil {
			return nil, util.NewValidationError(err.Error())
		}
	default:
		return nil, vault.NewKindMismatchError(
			fmt.Sprintf("credential kind %q is not usable for HTTP requests", secret.Type))
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, newProtocolError("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newProtocolError("unable to read response body: %v", err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	bodyString := string(body)
	if !utf8.ValidString(bodyString) {
		bodyString = hex.EncodeToString(body)
	}
	return &HTTPResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    bodyString,
	}, nil
}

func httpResultClass(response *HTTPResponse, err error) string {
	if err != nil {
		return errorClass(err)
	}
	return fmt.Sprintf("status %d", response.Status)
}

// hostOf returns the host part of a URL for audit details, never the
// full URL which could embed userinfo or query secrets
func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "invalid-url"
	}
	return parsed.Host
}
