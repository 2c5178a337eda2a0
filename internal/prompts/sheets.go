package prompts

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/kuitang/readaloud/internal/errs"
)

// SheetsConfig locates the prompt column inside a spreadsheet.
type SheetsConfig struct {
	// SpreadsheetID is the collection identifier of the prompt list.
	SpreadsheetID string
	// Tab is the sheet (tab) name. Defaults to "Sheet1".
	Tab string
	// Column holding prompt text. Defaults to "A".
	Column string
	// CredentialsJSON is a service-account key. When empty, CredentialsFile
	// is read, and when that is empty application default credentials apply.
	CredentialsJSON []byte
	CredentialsFile string
	// ClientOptions are appended after credentials; tests use them to point
	// at a fake endpoint.
	ClientOptions []option.ClientOption
}

// SheetsSource reads prompts from one column of a Google Sheet.
type SheetsSource struct {
	values        *sheets.SpreadsheetsValuesService
	spreadsheetID string
	tab           string
	column        string
}

// NewSheetsSource builds a read-only Sheets client.
func NewSheetsSource(ctx context.Context, cfg SheetsConfig) (*SheetsSource, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errs.New(errs.ConfigurationMissing, "prompt spreadsheet id is not configured")
	}
	tab := strings.TrimSpace(cfg.Tab)
	if tab == "" {
		tab = "Sheet1"
	}
	column := strings.ToUpper(strings.TrimSpace(cfg.Column))
	if column == "" {
		column = "A"
	}

	opts, err := credentialOptions(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, cfg.ClientOptions...)

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets client: %w", err)
	}
	return &SheetsSource{
		values:        sheets.NewSpreadsheetsValuesService(svc),
		spreadsheetID: cfg.SpreadsheetID,
		tab:           tab,
		column:        column,
	}, nil
}

func credentialOptions(ctx context.Context, cfg SheetsConfig) ([]option.ClientOption, error) {
	if len(cfg.ClientOptions) > 0 && len(cfg.CredentialsJSON) == 0 && cfg.CredentialsFile == "" {
		return nil, nil
	}
	data := cfg.CredentialsJSON
	if len(data) == 0 && cfg.CredentialsFile != "" {
		raw, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read sheets credentials: %w", err)
		}
		data = raw
	}
	var (
		creds *google.Credentials
		err   error
	)
	if len(data) > 0 {
		creds, err = google.CredentialsFromJSON(ctx, data, sheets.SpreadsheetsReadonlyScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, sheets.SpreadsheetsReadonlyScope)
	}
	if err != nil {
		return nil, errs.Wrap(errs.ConfigurationMissing, "sheets credentials are not usable", err)
	}
	return []option.ClientOption{option.WithCredentials(creds)}, nil
}

// A1 returns the A1 notation for a range in the configured column.
func (s *SheetsSource) A1(r Range) string {
	tab := strings.ReplaceAll(s.tab, "'", "''")
	return fmt.Sprintf("'%s'!%s%d:%s%d", tab, s.column, r.First, s.column, r.Last)
}

// FetchRange implements Source. The Sheets API omits trailing empty rows and
// empty rows come back as zero-length slices; both are returned as blanks.
func (s *SheetsSource) FetchRange(ctx context.Context, r Range) ([]string, error) {
	if r.First < 1 || r.Len() == 0 {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("invalid prompt range %s", r))
	}
	resp, err := s.values.Get(s.spreadsheetID, s.A1(r)).
		MajorDimension("ROWS").
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, errs.External(errs.PromptSource, "fetch_range", err)
	}

	cells := make([]string, 0, len(resp.Values))
	for _, row := range resp.Values {
		if len(row) == 0 || row[0] == nil {
			cells = append(cells, "")
			continue
		}
		cells = append(cells, fmt.Sprint(row[0]))
	}
	return padTo(cells, r.Len()), nil
}
