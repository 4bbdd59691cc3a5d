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
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	// database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/passman/passman/internal/audit"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/sanitizer"
	"github.com/passman/passman/internal/vault"
)

// SQLQuery describes a query executed with a stored database credential.
// Parameters are positional, placeholders follow the dialect's native
// convention
type SQLQuery struct {
	CredentialID uuid.UUID
	Query        string
	Params       []any
}

// SQLResult is the sanitized result of a SQL query. RowsAffected is only
// meaningful for non-returning statements
type SQLResult struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rows_affected"`
}

// SQLQuery connects to the credential's database, executes one query and
// returns the sanitized result. The password is injected into the
// connection string and never logged
func (p *Proxy) SQLQuery(ctx context.Context, req *SQLQuery) (*SQLResult, error) {
	connID := connectionID()
	secret, meta, err := p.authorize(req.CredentialID, audit.ActionSQLQuery.String(),
		&policy.Request{Query: req.Query})
	if err != nil {
		p.logAudit(audit.ActionSQLQuery, req.CredentialID, meta.Name, false, errorClass(err))
		return nil, err
	}
	secrets := p.secretsToScrub(secret)
	host := secret.Host
	defer secret.Zero()

	ctx, cancel := context.WithTimeout(ctx, p.timeouts.SQL)
	defer cancel()

	result, err := p.executeSQL(ctx, secret, req)
	err = mapError(ctx, err, secrets)
	p.logAudit(audit.ActionSQLQuery, req.CredentialID, meta.Name, err == nil,
		fmt.Sprintf("host %s: %s", host, errorClass(err)))
	if err != nil {
		logger.Debug(logSender, connID, "sql query on %q failed: %v", host, err)
		return nil, err
	}
	for _, row := range result.Rows {
		for idx, value := range row {
			if s, ok := value.(string); ok {
				row[idx] = sanitizer.Sanitize(s, secrets)
			}
		}
	}
	return result, nil
}

func (p *Proxy) executeSQL(ctx context.Context, secret *vault.Secret, req *SQLQuery) (*SQLResult, error) {
	if secret.Type != vault.KindDatabaseConnection {
		return nil, vault.NewKindMismatchError(
			fmt.Sprintf("credential kind %q is not usable for SQL", secret.Type))
	}
	driverName, dsn := buildDSN(secret)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, newProtocolError("unable to open database connection: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(240 * time.Second)

	if policy.IsReadOnlyQuery(req.Query) {
		return queryRows(ctx, db, req)
	}
	execResult, err := db.ExecContext(ctx, req.Query, req.Params...)
	if err != nil {
		return nil, newProtocolError("SQL statement failed: %v", err)
	}
	rowsAffected, err := execResult.RowsAffected()
	if err != nil {
		rowsAffected = 0
	}
	return &SQLResult{
		Columns:      []string{},
		Rows:         [][]any{},
		RowsAffected: rowsAffected,
	}, nil
}

func queryRows(ctx context.Context, db *sql.DB, req *SQLQuery) (*SQLResult, error) {
	rows, err := db.QueryContext(ctx, req.Query, req.Params...)
	if err != nil {
		return nil, newProtocolError("SQL query failed: %v", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, newProtocolError("unable to read result columns: %v", err)
	}
	result := &SQLResult{
		Columns: columns,
		Rows:    [][]any{},
	}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for idx := range values {
			pointers[idx] = &values[idx]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, newProtocolError("unable to scan result row: %v", err)
		}
		for idx, value := range values {
			switch v := value.(type) {
			case []byte:
				values[idx] = string(v)
			case time.Time:
				values[idx] = v.UTC().Format(time.RFC3339)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, newProtocolError("error reading result rows: %v", err)
	}
	return result, nil
}

// buildDSN assembles the driver specific connection string. Extra params
// are appended in sorted order so the DSN is stable
func buildDSN(secret *vault.Secret) (string, string) {
	params := make([]string, 0, len(secret.Params))
	for k := range secret.Params {
		params = append(params, k)
	}
	sort.Strings(params)

	switch secret.Driver {
	case vault.DriverPostgreSQL:
		var sb strings.Builder
		fmt.Fprintf(&sb, "host='%s' port=%d dbname='%s' user='%s' password='%s'",
			secret.Host, secret.Port, secret.Database, secret.Username, secret.Password)
		for _, k := range params {
			fmt.Fprintf(&sb, " %s='%s'", k, secret.Params[k])
		}
		return "pgx", sb.String()
	case vault.DriverMySQL:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s:%s@tcp(%s:%d)/%s", secret.Username, secret.Password,
			secret.Host, secret.Port, secret.Database)
		sep := "?"
		for _, k := range params {
			fmt.Fprintf(&sb, "%s%s=%s", sep, k, secret.Params[k])
			sep = "&"
		}
		return "mysql", sb.String()
	default:
		dsn := secret.Database
		sep := "?"
		for _, k := range params {
			dsn += fmt.Sprintf("%s%s=%s", sep, k, secret.Params[k])
			sep = "&"
		}
		return "sqlite3", dsn
	}
}
