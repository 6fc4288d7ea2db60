package inbound

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	bolt "github.com/boltdb/bolt"
)

const receiptsBucket = "receipts"

// ErrReceiptNotFound is returned when no delivery was journaled under a key.
var ErrReceiptNotFound = errors.New("receipt not found")

// Receipt records the first accepted delivery of an external event.
type Receipt struct {
	Integration   string    `json:"integration"`
	ExternalID    string    `json:"ext_txn_id"`
	PayloadSHA256 string    `json:"payload_sha256"`
	ReceivedAt    time.Time `json:"received_at"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Deliveries    int       `json:"deliveries"`
}

// Journal is an append-mostly bolt file of verified deliveries.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens or creates the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(receiptsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the file lock.
func (journal *Journal) Close() error {
	return journal.db.Close()
}

// Record stores the delivery unless one exists for the same key. The first write wins;
// later deliveries only bump the counter. It reports whether this was the first delivery.
func (journal *Journal) Record(integration string, externalID string, raw []byte, receivedAt time.Time) (Receipt, bool, error) {
	var receipt Receipt
	first := false
	err := journal.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptsBucket))
		key := receiptKey(integration, externalID)
		if stored := bucket.Get(key); stored != nil {
			if err := json.Unmarshal(stored, &receipt); err != nil {
				return err
			}
			receipt.Deliveries++
		} else {
			sum := sha256.Sum256(raw)
			receipt = Receipt{
				Integration:   integration,
				ExternalID:    externalID,
				PayloadSHA256: hex.EncodeToString(sum[:]),
				ReceivedAt:    receivedAt.UTC(),
				Deliveries:    1,
			}
			first = true
		}
		encoded, err := json.Marshal(receipt)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return Receipt{}, false, err
	}
	return receipt, first, nil
}

// Attach links the ledger transaction produced by a delivery to its receipt.
func (journal *Journal) Attach(integration string, externalID string, transactionID string) error {
	return journal.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptsBucket))
		key := receiptKey(integration, externalID)
		stored := bucket.Get(key)
		if stored == nil {
			return ErrReceiptNotFound
		}
		var receipt Receipt
		if err := json.Unmarshal(stored, &receipt); err != nil {
			return err
		}
		if receipt.TransactionID != "" {
			return nil
		}
		receipt.TransactionID = transactionID
		encoded, err := json.Marshal(receipt)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
}

// Get returns the receipt for a delivery.
func (journal *Journal) Get(integration string, externalID string) (Receipt, error) {
	var receipt Receipt
	err := journal.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket([]byte(receiptsBucket)).Get(receiptKey(integration, externalID))
		if stored == nil {
			return ErrReceiptNotFound
		}
		return json.Unmarshal(stored, &receipt)
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func receiptKey(integration string, externalID string) []byte {
	return []byte(integration + "\x00" + externalID)
}
