package inbound

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"go.uber.org/zap"
)

// Result describes what a delivery did to the ledger.
type Result struct {
	Kind          string
	TransactionID ledger.TransactionID
	FirstDelivery bool
}

// Intake verifies webhook deliveries and applies them to the ledger.
type Intake struct {
	secrets map[string][]byte
	service *ledger.Service
	rules   *ledger.PostingRules
	journal *Journal
	logger  *zap.Logger
	now     func() time.Time
}

// IntakeOption configures an Intake.
type IntakeOption func(*Intake)

// WithJournal records every verified delivery in journal.
func WithJournal(journal *Journal) IntakeOption {
	return func(intake *Intake) {
		intake.journal = journal
	}
}

// WithLogger sets the intake logger.
func WithLogger(logger *zap.Logger) IntakeOption {
	return func(intake *Intake) {
		if logger != nil {
			intake.logger = logger
		}
	}
}

// WithClock overrides time.Now for receipts.
func WithClock(now func() time.Time) IntakeOption {
	return func(intake *Intake) {
		if now != nil {
			intake.now = now
		}
	}
}

// NewIntake builds an intake. secrets maps integration names to their shared HMAC secret.
func NewIntake(service *ledger.Service, rules *ledger.PostingRules, secrets map[string][]byte, options ...IntakeOption) (*Intake, error) {
	if service == nil || rules == nil {
		return nil, fmt.Errorf("%w: intake needs a service and posting rules", ledger.ErrInvalidServiceConfig)
	}
	copied := make(map[string][]byte, len(secrets))
	for name, secret := range secrets {
		if len(secret) == 0 {
			return nil, fmt.Errorf("%w: empty secret for integration %q", ledger.ErrInvalidServiceConfig, name)
		}
		copied[name] = append([]byte(nil), secret...)
	}
	intake := &Intake{
		secrets: copied,
		service: service,
		rules:   rules,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, option := range options {
		option(intake)
	}
	return intake, nil
}

// Handle verifies raw against the integration secret and applies the event exactly once.
// Redeliveries resolve to the transaction of the first delivery, with or without a journal.
func (intake *Intake) Handle(ctx context.Context, integration string, raw []byte, signatureHeader string) (Result, error) {
	secret, ok := intake.secrets[integration]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ledger.ErrUnknownIntegration, integration)
	}
	if err := VerifySignature(raw, signatureHeader, secret); err != nil {
		intake.logger.Warn("webhook signature rejected", zap.String("integration", integration))
		return Result{}, err
	}
	event, err := DecodeEvent(raw)
	if err != nil {
		return Result{}, err
	}
	result := Result{Kind: event.Kind(), FirstDelivery: true}
	if intake.journal != nil {
		_, result.FirstDelivery, err = intake.journal.Record(integration, event.ExternalID, raw, intake.now())
		if err != nil {
			return Result{}, fmt.Errorf("journal delivery: %w", err)
		}
	}

	transaction, err := intake.apply(ctx, event)
	if err != nil {
		intake.logger.Warn("webhook rejected",
			zap.String("integration", integration),
			zap.String("ext_txn_id", event.ExternalID),
			zap.String("kind", event.Kind()),
			zap.String("class", string(ledger.Classify(err))),
			zap.Error(err))
		return Result{}, err
	}
	result.TransactionID = transaction.ID
	if intake.journal != nil {
		if err := intake.journal.Attach(integration, event.ExternalID, transaction.ID.String()); err != nil {
			intake.logger.Warn("journal attach failed", zap.String("ext_txn_id", event.ExternalID), zap.Error(err))
		}
	}
	intake.logger.Info("webhook applied",
		zap.String("integration", integration),
		zap.String("ext_txn_id", event.ExternalID),
		zap.String("kind", event.Kind()),
		zap.String("transaction_id", transaction.ID.String()),
		zap.Bool("first_delivery", result.FirstDelivery))
	return result, nil
}

func (intake *Intake) apply(ctx context.Context, event Event) (ledger.Transaction, error) {
	if event.IsReversal() {
		originalID, err := ledger.NewExternalID(event.OriginalExternalID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		reversalID, err := ledger.NewExternalID(event.ExternalID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		original, err := intake.service.GetTransactionByExternalID(ctx, originalID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		if event.Type == KindChargeback {
			return intake.service.MarkDisputed(ctx, original.ID, event.Reason, ledger.WithReversalExternalID(reversalID))
		}
		return intake.service.Refund(ctx, original.ID, event.Reason, ledger.WithReversalExternalID(reversalID))
	}
	request, err := event.postRequest(intake.rules)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return intake.service.Post(ctx, request)
}
