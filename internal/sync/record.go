package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Operation identifies the mutation a record carries.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Replicated table names as they appear on the wire.
const (
	TableAccounts = "users"
	TableBlocks   = "user_blocks"
	TableCatalog  = "commodities"
	TableAliases  = "commodity_aliases"
	TableSettings = "trading_settings"
	TableOffers   = "offers"
	TableTrades   = "trades"
)

// ItemTypeNotification marks a pass-through relay item rather than an entity
// change record.
const ItemTypeNotification = "notification"

// tableRank orders a batch so parents apply before children. Unknown tables
// sort last and are rejected during apply.
var tableRank = map[string]int{
	TableAccounts: 0,
	TableBlocks:   1,
	TableCatalog:  2,
	TableAliases:  3,
	TableSettings: 4,
	TableOffers:   5,
	TableTrades:   6,
}

const unknownTableRank = 99

// Rank returns the dependency rank for a table name.
func Rank(table string) int {
	if rank, ok := tableRank[table]; ok {
		return rank
	}
	return unknownTableRank
}

var errInvalidRecordID = errors.New("sync: record id must be a JSON number or string")

// RecordID identifies an entity either by its numeric primary key or, for
// string-keyed tables such as trading_settings, by its natural key. Exactly
// one side is set.
type RecordID struct {
	Num int64
	Key string
}

// NumericID builds a RecordID from an integer primary key.
func NumericID(id int64) RecordID {
	return RecordID{Num: id}
}

// NaturalKey builds a RecordID from a string key.
func NaturalKey(key string) RecordID {
	return RecordID{Key: key}
}

// IsNatural reports whether the id is a string natural key.
func (id RecordID) IsNatural() bool {
	return id.Key != ""
}

// String renders the identifier for logs.
func (id RecordID) String() string {
	if id.IsNatural() {
		return id.Key
	}
	return strconv.FormatInt(id.Num, 10)
}

// MarshalJSON emits a JSON number for numeric ids and a JSON string for
// natural keys, keeping the wire format of the original deployments.
func (id RecordID) MarshalJSON() ([]byte, error) {
	if id.IsNatural() {
		return json.Marshal(id.Key)
	}
	return json.Marshal(id.Num)
}

// UnmarshalJSON accepts either form.
func (id *RecordID) UnmarshalJSON(data []byte) error {
	var num int64
	if err := json.Unmarshal(data, &num); err == nil {
		*id = RecordID{Num: num}
		return nil
	}
	var key string
	if err := json.Unmarshal(data, &key); err == nil {
		*id = RecordID{Key: key}
		return nil
	}
	return fmt.Errorf("%w: %s", errInvalidRecordID, string(data))
}

// Record is the unit of replication: one entity mutation, or a notification
// relay instruction when Type is "notification". Records are immutable after
// capture; delivery state lives in queue position, never in the record.
type Record struct {
	Type      string         `json:"type,omitempty"`
	Table     string         `json:"table,omitempty"`
	Operation Operation      `json:"operation,omitempty"`
	ID        RecordID       `json:"id,omitzero"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Hash      string         `json:"hash,omitempty"`

	// Notification relay fields.
	ChatID    int64  `json:"chat_id,omitempty"`
	Text      string `json:"text,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// IsNotification reports whether the record is a relay instruction.
func (r Record) IsNotification() bool {
	return r.Type == ItemTypeNotification
}

// NewNotification builds a relay record.
func NewNotification(chatID int64, text, parseMode string, at time.Time) Record {
	if parseMode == "" {
		parseMode = "Markdown"
	}
	return Record{
		Type:      ItemTypeNotification,
		ChatID:    chatID,
		Text:      text,
		ParseMode: parseMode,
		Timestamp: at.Unix(),
	}
}

// ContentHash digests the data snapshot. encoding/json sorts map keys, so the
// digest is stable across capture sites. The hash is retained for audit
// rollups; reconciliation never branches on it.
func ContentHash(data map[string]any) string {
	encoded, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// ChangeLog is the append-only audit trail of every captured mutation.
type ChangeLog struct {
	ID        int64     `gorm:"column:id;primaryKey"`
	Operation Operation `gorm:"column:operation;size:10;not null"`
	Table     string    `gorm:"column:table_name;size:50;not null;index:idx_table,priority:1"`
	RecordID  int64     `gorm:"column:record_id;not null;index:idx_table,priority:2"`
	RecordKey string    `gorm:"column:record_key;size:100"`
	Data      string    `gorm:"column:data;type:text;not null"`
	Timestamp time.Time `gorm:"column:timestamp;not null"`
	Hash      string    `gorm:"column:hash;size:64"`
	Synced    bool      `gorm:"column:synced;not null;default:false;index:idx_sync,priority:1"`
	Verified  bool      `gorm:"column:verified;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index:idx_sync,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeLog) TableName() string {
	return "change_log"
}
