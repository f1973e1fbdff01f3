package account

import (
	"errors"
	"strconv"
)

// Header is the column order of the export file.
var Header = []string{
	"account_id",
	"account_type",
	"account_status",
	"name",
	"email",
	"access_billable",
	"last_active",
	"product_access_key",
	"product_access_name",
	"product_url",
	"product_access_last_active",
}

// Key identifies one output row.
type Key struct {
	AccountID  string
	ProductKey string
}

// String renders the key as account_id/product_key.
func (k Key) String() string {
	return k.AccountID + "/" + k.ProductKey
}

// Row is the sanitized projection of one account/product pair.
type Row struct {
	AccountID               string
	AccountType             string
	AccountStatus           string
	Name                    string
	Email                   string
	AccessBillable          string
	LastActive              string
	ProductAccessKey        string
	ProductAccessName       string
	ProductURL              string
	ProductAccessLastActive string
}

// Key returns the row's composite key.
func (r Row) Key() Key {
	return Key{AccountID: r.AccountID, ProductKey: r.ProductAccessKey}
}

// Values renders the row in Header order.
func (r Row) Values() []string {
	return []string{
		r.AccountID,
		r.AccountType,
		r.AccountStatus,
		r.Name,
		r.Email,
		r.AccessBillable,
		r.LastActive,
		r.ProductAccessKey,
		r.ProductAccessName,
		r.ProductURL,
		r.ProductAccessLastActive,
	}
}

// Processor filters records and expands them into rows for one target
// product URL.
type Processor struct {
	targetURL string
}

// NewProcessor creates a processor keeping only access entries whose
// sanitized URL equals targetURL.
func NewProcessor(targetURL string) *Processor {
	return &Processor{targetURL: targetURL}
}

// TargetURL returns the product URL rows are filtered on.
func (p *Processor) TargetURL() string {
	return p.targetURL
}

// Process expands rec into zero or more rows. Inactive records yield
// nothing. Access entries that cannot be turned into a row are reported
// as joined *MalformedError values next to the rows that could.
func (p *Processor) Process(rec Record) ([]Row, error) {
	if !rec.IsActive() {
		return nil, nil
	}

	accountID := Sanitize(rec.AccountID)
	if accountID == "" {
		return nil, &MalformedError{Reason: "missing account_id"}
	}
	if rec.ProductAccess == nil {
		return nil, &MalformedError{AccountID: accountID, Reason: "missing product_access"}
	}

	var (
		rows []Row
		errs []error
	)
	for _, access := range rec.ProductAccess {
		url := Sanitize(access.URL)
		if url != p.targetURL {
			continue
		}

		key := Sanitize(access.Key)
		if key == "" {
			errs = append(errs, &MalformedError{AccountID: accountID, Reason: "product access without key"})
			continue
		}

		lastActive := Sanitize(access.LastActive)
		if lastActive != "" {
			if _, err := ParseTimestamp(lastActive); err != nil {
				errs = append(errs, &MalformedError{AccountID: accountID, ProductKey: key, Reason: "bad last_active", Err: err})
				continue
			}
		}

		rows = append(rows, Row{
			AccountID:               accountID,
			AccountType:             Sanitize(rec.AccountType),
			AccountStatus:           Sanitize(rec.AccountStatus),
			Name:                    Sanitize(rec.Name),
			Email:                   Sanitize(rec.Email),
			AccessBillable:          formatBool(rec.AccessBillable),
			LastActive:              Sanitize(rec.LastActive),
			ProductAccessKey:        key,
			ProductAccessName:       Sanitize(access.Name),
			ProductURL:              url,
			ProductAccessLastActive: lastActive,
		})
	}

	return rows, errors.Join(errs...)
}

func formatBool(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}
