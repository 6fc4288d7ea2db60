package inbound

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
)

// Event kinds besides the sale types.
const (
	KindConversion = "affiliate_conversion"
	KindChargeback = "chargeback"
	KindRefund     = "refund"
)

// Event is the decoded webhook body. Affiliate postbacks omit type and carry affiliate_id;
// processor deliveries name the sale type and the parties.
type Event struct {
	ExternalID         string `json:"ext_txn_id"`
	ValueCents         int64  `json:"value_cents"`
	Currency           string `json:"currency"`
	ClickID            string `json:"click_id,omitempty"`
	AffiliateID        string `json:"affiliate_id,omitempty"`
	OfferID            string `json:"offer_id,omitempty"`
	Type               string `json:"type,omitempty"`
	CreatorID          string `json:"creator_id,omitempty"`
	FanID              string `json:"fan_id,omitempty"`
	OriginalExternalID string `json:"original_ext_txn_id,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// DecodeEvent parses raw and fills the kind for postbacks.
func DecodeEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ledger.ErrInvalidEntry, err)
	}
	event.Type = strings.ToLower(strings.TrimSpace(event.Type))
	if event.Type == "" && event.AffiliateID != "" {
		event.Type = KindConversion
	}
	if strings.TrimSpace(event.ExternalID) == "" {
		return Event{}, fmt.Errorf("%w: ext_txn_id is required", ledger.ErrInvalidExternalID)
	}
	return event, nil
}

// Kind is the normalized event type.
func (event Event) Kind() string {
	return event.Type
}

// IsReversal reports whether the event reverses an earlier delivery.
func (event Event) IsReversal() bool {
	return event.Type == KindChargeback || event.Type == KindRefund
}

func (event Event) metadata() (ledger.MetadataJSON, error) {
	fields := map[string]string{}
	if event.ClickID != "" {
		fields["click_id"] = event.ClickID
	}
	if event.OfferID != "" {
		fields["offer_id"] = event.OfferID
	}
	if event.AffiliateID != "" {
		fields["affiliate_id"] = event.AffiliateID
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(encoded))
}

func (event Event) money() (ledger.Money, error) {
	currency, err := ledger.NewCurrency(event.Currency)
	if err != nil {
		return ledger.Money{}, err
	}
	if event.ValueCents <= 0 {
		return ledger.Money{}, fmt.Errorf("%w: value_cents must be positive", ledger.ErrInvalidAmount)
	}
	return ledger.NewMoney(event.ValueCents, currency), nil
}

// postRequest turns a sale or conversion into a balanced request through rules.
func (event Event) postRequest(rules *ledger.PostingRules) (ledger.PostRequest, error) {
	externalID, err := ledger.NewExternalID(event.ExternalID)
	if err != nil {
		return ledger.PostRequest{}, err
	}
	amount, err := event.money()
	if err != nil {
		return ledger.PostRequest{}, err
	}
	metadata, err := event.metadata()
	if err != nil {
		return ledger.PostRequest{}, err
	}
	if event.Type == KindConversion {
		affiliate, err := ledger.NewOwnerID(event.AffiliateID)
		if err != nil {
			return ledger.PostRequest{}, err
		}
		return rules.ConversionRequest(ledger.Conversion{
			ExternalID: externalID,
			Affiliate:  affiliate,
			Commission: amount,
			Metadata:   metadata,
		})
	}
	transactionType, err := ledger.ParseTransactionType(event.Type)
	if err != nil {
		return ledger.PostRequest{}, err
	}
	fan, err := ledger.NewOwnerID(event.FanID)
	if err != nil {
		return ledger.PostRequest{}, err
	}
	creator, err := ledger.NewOwnerID(event.CreatorID)
	if err != nil {
		return ledger.PostRequest{}, err
	}
	sale := ledger.Sale{
		ExternalID: externalID,
		Type:       transactionType,
		Gross:      amount,
		Fan:        fan,
		Creator:    creator,
		Metadata:   metadata,
	}
	if event.AffiliateID != "" {
		sale.Affiliate, err = ledger.NewOwnerID(event.AffiliateID)
		if err != nil {
			return ledger.PostRequest{}, err
		}
	}
	return rules.SaleRequest(sale)
}
