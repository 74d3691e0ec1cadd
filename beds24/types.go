package beds24

import (
	"encoding/json"
	"net/url"
	"strconv"
)

// BookingQuery selects one page of GET /bookings.
type BookingQuery struct {
	ArrivalFrom  string // YYYY-MM-DD
	ArrivalTo    string // YYYY-MM-DD
	ModifiedFrom string // RFC3339
	Statuses     []string
	BookingIds   []string
	Offset       int
	Limit        int
}

func (q BookingQuery) Values() url.Values {
	v := url.Values{}
	v.Set("includeInvoiceItems", "true")
	v.Set("includeInfoItems", "true")
	v.Set("includeComments", "true")
	if q.ArrivalFrom != "" {
		v.Set("arrivalFrom", q.ArrivalFrom)
	}
	if q.ArrivalTo != "" {
		v.Set("arrivalTo", q.ArrivalTo)
	}
	if q.ModifiedFrom != "" {
		v.Set("modifiedFrom", q.ModifiedFrom)
	}
	for _, s := range q.Statuses {
		v.Add("status", s)
	}
	for _, id := range q.BookingIds {
		v.Add("id", id)
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// BookingPage is one page of raw booking payloads. Payloads stay opaque here;
// the sync layer decides what to read from them.
type BookingPage struct {
	Data           []json.RawMessage
	Count          int
	NextPageExists *bool
}

// Last reports whether no further page should be requested.
func (p BookingPage) Last() bool {
	if len(p.Data) == 0 {
		return true
	}
	return p.NextPageExists != nil && !*p.NextPageExists
}

type listEnvelope struct {
	Success *bool             `json:"success"`
	Type    string            `json:"type"`
	Count   int               `json:"count"`
	Pages   *pagesInfo        `json:"pages"`
	Data    []json.RawMessage `json:"data"`
	Error   string            `json:"error"`
	Code    int               `json:"code"`
}

type pagesInfo struct {
	NextPageExists *bool  `json:"nextPageExists"`
	NextPageLink   string `json:"nextPageLink"`
}

// Credential is the long-lived refresh credential produced by setup.
type Credential struct {
	RefreshToken string   `json:"refreshToken"`
	Scopes       []string `json:"scopes,omitempty"`
	DeviceName   string   `json:"deviceName,omitempty"`
	CreatedAt    string   `json:"createdAt"`
}

type setupResponse struct {
	Token        string `json:"token"`
	ExpiresIn    int    `json:"expiresIn"`
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

// TokenDetails mirrors GET /authentication/details.
type TokenDetails struct {
	ValidToken bool `json:"validToken"`
	Token      struct {
		ExpiresIn  int      `json:"expiresIn"`
		Scopes     []string `json:"scopes"`
		DeviceName string   `json:"deviceName"`
	} `json:"token"`
}
