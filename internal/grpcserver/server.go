// Package grpcserver exposes the ledger over gRPC with google.protobuf.Struct messages.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldAccountID     = "account_id"
	fieldOwnerID       = "owner_id"
	fieldRole          = "role"
	fieldCurrency      = "currency"
	fieldAmountMinor   = "amount_minor"
	fieldExternalID    = "external_id"
	fieldType          = "type"
	fieldFanID         = "fan_id"
	fieldCreatorID     = "creator_id"
	fieldAffiliateID   = "affiliate_id"
	fieldMetadata      = "metadata"
	fieldRequestKey    = "request_key"
	fieldTransactionID = "transaction_id"
	fieldReason        = "reason"

	// float64 carries integers exactly up to 2^53.
	maxExactInteger = 1 << 53
)

var errMissingField = errors.New("missing field")

// LedgerServer serves payledger.v1.LedgerService from a ledger Service.
type LedgerServer struct {
	service *ledger.Service
	payouts *ledger.PayoutProcessor
	rules   *ledger.PostingRules
}

var _ LedgerServiceServer = (*LedgerServer)(nil)

// NewLedgerServer constructs a gRPC server for the ledger service.
func NewLedgerServer(service *ledger.Service, payouts *ledger.PayoutProcessor, rules *ledger.PostingRules) (*LedgerServer, error) {
	if service == nil || payouts == nil || rules == nil {
		return nil, fmt.Errorf("%w: grpc server needs service, payouts and rules", ledger.ErrInvalidServiceConfig)
	}
	return &LedgerServer{service: service, payouts: payouts, rules: rules}, nil
}

// GetBalance accepts either account_id or owner_id, role and currency.
func (server *LedgerServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	account, err := server.resolveAccount(ctx, request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := server.service.GetBalance(ctx, account.ID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		fieldAccountID:    account.ID.String(),
		fieldOwnerID:      account.OwnerID.String(),
		fieldRole:         account.Role.String(),
		fieldCurrency:     account.Currency.String(),
		"status":          account.Status.String(),
		"available_minor": balance.Available.Amount(),
		"pending_minor":   balance.Pending.Amount(),
	})
}

// PostTransaction books a sale, an affiliate_commission postback or a fee through the posting rules.
func (server *LedgerServer) PostTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	postRequest, err := server.postRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transaction, err := server.service.Post(ctx, postRequest)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return transactionStruct(transaction)
}

func (server *LedgerServer) RequestPayout(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	account, err := server.resolveAccount(ctx, request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := int64Field(request, fieldAmountMinor)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	requestKey, err := ledger.NewExternalID(stringField(request, fieldRequestKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	payout, err := server.payouts.RequestPayout(ctx, account.ID, ledger.NewMoney(amount, account.Currency), requestKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	fields := map[string]any{
		"payout_id":        payout.ID.String(),
		fieldRequestKey:    payout.RequestKey.String(),
		fieldAccountID:     payout.AccountID.String(),
		fieldAmountMinor:   payout.Amount.Amount(),
		fieldCurrency:      payout.Amount.Currency().String(),
		"status":           payout.Status.String(),
		fieldTransactionID: payout.TransactionID.String(),
	}
	return newStruct(fields)
}

// MarkDisputed records a chargeback against transaction_id and returns the chargeback.
func (server *LedgerServer) MarkDisputed(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	transactionID, err := ledger.NewTransactionID(stringField(request, fieldTransactionID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	chargeback, err := server.service.MarkDisputed(ctx, transactionID, stringField(request, fieldReason))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return transactionStruct(chargeback)
}

// GetTransaction looks up by transaction_id, or by external_id when no id is given.
func (server *LedgerServer) GetTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	var (
		transaction ledger.Transaction
		err         error
	)
	if rawID := stringField(request, fieldTransactionID); rawID != "" {
		var transactionID ledger.TransactionID
		transactionID, err = ledger.NewTransactionID(rawID)
		if err == nil {
			transaction, err = server.service.GetTransaction(ctx, transactionID)
		}
	} else {
		var externalID ledger.ExternalID
		externalID, err = ledger.NewExternalID(stringField(request, fieldExternalID))
		if err == nil {
			transaction, err = server.service.GetTransactionByExternalID(ctx, externalID)
		}
	}
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return transactionStruct(transaction)
}

func (server *LedgerServer) resolveAccount(ctx context.Context, request *structpb.Struct) (ledger.Account, error) {
	if rawID := stringField(request, fieldAccountID); rawID != "" {
		accountID, err := ledger.NewAccountID(rawID)
		if err != nil {
			return ledger.Account{}, err
		}
		return server.service.GetAccount(ctx, accountID)
	}
	owner, err := ledger.NewOwnerID(stringField(request, fieldOwnerID))
	if err != nil {
		return ledger.Account{}, err
	}
	role, err := ledger.ParseOwnerRole(stringField(request, fieldRole))
	if err != nil {
		return ledger.Account{}, err
	}
	currency, err := ledger.NewCurrency(stringField(request, fieldCurrency))
	if err != nil {
		return ledger.Account{}, err
	}
	return server.service.ResolveAccount(ctx, ledger.AccountKey{OwnerID: owner, Role: role, Currency: currency})
}

func (server *LedgerServer) postRequest(request *structpb.Struct) (ledger.PostRequest, error) {
	externalID, err := ledger.NewExternalID(stringField(request, fieldExternalID))
	if err != nil {
		return ledger.PostRequest{}, err
	}
	transactionType, err := ledger.ParseTransactionType(stringField(request, fieldType))
	if err != nil {
		return ledger.PostRequest{}, err
	}
	currency, err := ledger.NewCurrency(stringField(request, fieldCurrency))
	if err != nil {
		return ledger.PostRequest{}, err
	}
	amount, err := int64Field(request, fieldAmountMinor)
	if err != nil {
		return ledger.PostRequest{}, err
	}
	metadata, err := metadataField(request)
	if err != nil {
		return ledger.PostRequest{}, err
	}
	money := ledger.NewMoney(amount, currency)
	switch {
	case transactionType.IsSale():
		sale := ledger.Sale{ExternalID: externalID, Type: transactionType, Gross: money, Metadata: metadata}
		if sale.Fan, err = ownerField(request, fieldFanID); err != nil {
			return ledger.PostRequest{}, err
		}
		if sale.Creator, err = ownerField(request, fieldCreatorID); err != nil {
			return ledger.PostRequest{}, err
		}
		if stringField(request, fieldAffiliateID) != "" {
			if sale.Affiliate, err = ownerField(request, fieldAffiliateID); err != nil {
				return ledger.PostRequest{}, err
			}
		}
		return server.rules.SaleRequest(sale)
	case transactionType == ledger.TypeAffiliateCommission:
		affiliate, err := ownerField(request, fieldAffiliateID)
		if err != nil {
			return ledger.PostRequest{}, err
		}
		return server.rules.ConversionRequest(ledger.Conversion{ExternalID: externalID, Affiliate: affiliate, Commission: money, Metadata: metadata})
	case transactionType == ledger.TypeFee:
		creator, err := ownerField(request, fieldCreatorID)
		if err != nil {
			return ledger.PostRequest{}, err
		}
		return server.rules.FeeRequest(ledger.FeeCharge{ExternalID: externalID, Creator: creator, Amount: money, Metadata: metadata})
	default:
		return ledger.PostRequest{}, fmt.Errorf("%w: %s cannot be posted directly", ledger.ErrInvalidTransactionType, transactionType)
	}
}

func transactionStruct(transaction ledger.Transaction) (*structpb.Struct, error) {
	entries := make([]any, 0, len(transaction.Entries))
	for _, entry := range transaction.Entries {
		entries = append(entries, map[string]any{
			"entry_id":       entry.ID.String(),
			fieldAccountID:   entry.AccountID.String(),
			"direction":      entry.Direction.String(),
			fieldAmountMinor: entry.Amount.Amount(),
			fieldCurrency:    entry.Amount.Currency().String(),
		})
	}
	response, err := newStruct(map[string]any{
		fieldTransactionID: transaction.ID.String(),
		fieldExternalID:    transaction.ExternalID.String(),
		fieldType:          transaction.Type.String(),
		"status":           transaction.Status.String(),
		"reversal_of":      transaction.ReversalOf.String(),
		fieldReason:        transaction.Reason,
		"created_unix_utc": transaction.CreatedAt.UTC().Unix(),
		"entries":          entries,
	})
	if err != nil {
		return nil, err
	}
	metadata := &structpb.Value{}
	if err := protojson.Unmarshal([]byte(transaction.Metadata.String()), metadata); err != nil {
		return nil, status.Error(codes.Internal, "metadata encoding failed")
	}
	response.Fields[fieldMetadata] = metadata
	return response, nil
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func stringField(request *structpb.Struct, name string) string {
	value, ok := request.GetFields()[name]
	if !ok {
		return ""
	}
	return value.GetStringValue()
}

func int64Field(request *structpb.Struct, name string) (int64, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0, fmt.Errorf("%w: %w %s", ledger.ErrInvalidAmount, errMissingField, name)
	}
	number, ok := value.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ledger.ErrInvalidAmount, name)
	}
	if number.NumberValue != math.Trunc(number.NumberValue) || math.Abs(number.NumberValue) > maxExactInteger {
		return 0, fmt.Errorf("%w: %s must be an integer in minor units", ledger.ErrInvalidAmount, name)
	}
	return int64(number.NumberValue), nil
}

func ownerField(request *structpb.Struct, name string) (ledger.OwnerID, error) {
	owner, err := ledger.NewOwnerID(stringField(request, name))
	if err != nil {
		return ledger.OwnerID{}, fmt.Errorf("%s: %w", name, err)
	}
	return owner, nil
}

func metadataField(request *structpb.Struct) (ledger.MetadataJSON, error) {
	value, ok := request.GetFields()[fieldMetadata]
	if !ok {
		return ledger.NewMetadataJSON("")
	}
	raw, err := protojson.Marshal(value)
	if err != nil {
		return ledger.MetadataJSON{}, fmt.Errorf("%w: %v", ledger.ErrInvalidMetadataJSON, err)
	}
	return ledger.NewMetadataJSON(string(raw))
}

// mapToGRPCError translates the ledger error taxonomy into gRPC status codes.
func mapToGRPCError(source error) error {
	if source == nil {
		return nil
	}
	if _, ok := status.FromError(source); ok {
		return source
	}
	switch ledger.Classify(source) {
	case ledger.ClassValidation:
		return status.Error(codes.InvalidArgument, source.Error())
	case ledger.ClassPolicy:
		return status.Error(codes.FailedPrecondition, source.Error())
	case ledger.ClassConflict:
		if errors.Is(source, ledger.ErrDuplicateExternalID) {
			return status.Error(codes.AlreadyExists, source.Error())
		}
		return status.Error(codes.Aborted, source.Error())
	case ledger.ClassSecurity:
		return status.Error(codes.Unauthenticated, source.Error())
	case ledger.ClassNotFound:
		return status.Error(codes.NotFound, source.Error())
	}
	if ledger.IsRetryable(source) {
		return status.Error(codes.Unavailable, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
