// Package google exports balance statements to a Google Sheets
// spreadsheet using Service Account credentials.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"coinquilini/internal/core"
	"coinquilini/internal/ledger"
	ports "coinquilini/internal/sheets"
)

type Client struct {
	svc            *gsheet.Service
	spreadsheetID  string
	statementSheet string
}

var _ ports.StatementWriter = (*Client)(nil)

// NewFromEnv creates a Sheets client from environment variables.
// Required: GOOGLE_SPREADSHEET_ID plus service account credentials via
// GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or
// GOOGLE_APPLICATION_CREDENTIALS.
// Optional: GOOGLE_STATEMENT_SHEET_NAME (default "Statements").
func NewFromEnv(ctx context.Context) (*Client, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	sheet := strings.TrimSpace(os.Getenv("GOOGLE_STATEMENT_SHEET_NAME"))
	if sheet == "" {
		sheet = "Statements"
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &Client{
		svc:            svc,
		spreadsheetID:  spreadsheetID,
		statementSheet: sheet,
	}, nil
}

// newSheetsService initializes a Sheets Service using Service Account
// credentials.
func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))

	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	var err error

	switch {
	case serviceAccountJSON != "":
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return service, nil
}

// WriteStatement appends the apartment's current balance table to the
// statement sheet, one row per tenant plus a header row with the export
// timestamp.
func (c *Client) WriteStatement(ctx context.Context, apartment core.Apartment, credits []ledger.TenantCredit) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}

	exportedAt := time.Now().Format(time.RFC3339)
	values := make([][]interface{}, 0, len(credits)+1)
	values = append(values, []interface{}{exportedAt, apartment.Name, "", ""})
	for _, credit := range credits {
		values = append(values, []interface{}{
			"",
			credit.Tenant.RealName,
			credit.Tenant.Username,
			credit.Credit.String(),
		})
	}

	rng := fmt.Sprintf("%s!A:D", c.statementSheet)
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, &gsheet.ValueRange{
		Values: values,
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append statement rows: %w", err)
	}

	slog.InfoContext(ctx, "Statement exported to Google Sheets",
		"apartment", apartment.Name,
		"tenants", len(credits),
		"sheet", c.statementSheet)
	return nil
}
