package market

import "time"

// OfferType enumerates the side of an offer.
type OfferType string

const (
	OfferTypeBuy  OfferType = "buy"
	OfferTypeSell OfferType = "sell"
)

// OfferStatus enumerates the offer lifecycle states.
type OfferStatus string

const (
	OfferStatusActive    OfferStatus = "active"
	OfferStatusCompleted OfferStatus = "completed"
	OfferStatusCancelled OfferStatus = "cancelled"
	OfferStatusExpired   OfferStatus = "expired"
)

// TradeType enumerates the side of a completed trade.
type TradeType string

const (
	TradeTypeBuy  TradeType = "buy"
	TradeTypeSell TradeType = "sell"
)

// AccountRole enumerates account permission tiers.
type AccountRole string

const (
	AccountRoleWatch  AccountRole = "watch"
	AccountRoleTrader AccountRole = "trader"
	AccountRoleAdmin  AccountRole = "admin"
)

// Account models a trading account. Soft deleted rather than removed so trade
// history stays referable. account_name is the natural key used to reconcile
// accounts created independently on both regions.
type Account struct {
	ID                      int64       `gorm:"column:id;primaryKey" json:"id"`
	AccountName             string      `gorm:"column:account_name;size:190;not null;uniqueIndex" json:"account_name"`
	MobileNumber            string      `gorm:"column:mobile_number;size:32;not null;index" json:"mobile_number"`
	TelegramID              int64       `gorm:"column:telegram_id;not null;index" json:"telegram_id"`
	Username                string      `gorm:"column:username;size:190" json:"username"`
	FullName                string      `gorm:"column:full_name;size:190;not null" json:"full_name"`
	Address                 string      `gorm:"column:address;type:text" json:"address"`
	Role                    AccountRole `gorm:"column:role;size:16;not null;default:watch" json:"role"`
	HasBotAccess            bool        `gorm:"column:has_bot_access;not null;default:true" json:"has_bot_access"`
	TradingRestrictedUntil  *time.Time  `gorm:"column:trading_restricted_until" json:"trading_restricted_until"`
	IsDeleted               bool        `gorm:"column:is_deleted;not null;default:false;index" json:"is_deleted"`
	DeletedAt               *time.Time  `gorm:"column:deleted_at" json:"deleted_at"`
	MaxDailyTrades          *int        `gorm:"column:max_daily_trades" json:"max_daily_trades"`
	MaxActiveCommodities    *int        `gorm:"column:max_active_commodities" json:"max_active_commodities"`
	MaxDailyRequests        *int        `gorm:"column:max_daily_requests" json:"max_daily_requests"`
	LimitationsExpireAt     *time.Time  `gorm:"column:limitations_expire_at" json:"limitations_expire_at"`
	TradesCount             int64       `gorm:"column:trades_count;not null;default:0" json:"trades_count"`
	CommoditiesTradedCount  int64       `gorm:"column:commodities_traded_count;not null;default:0" json:"commodities_traded_count"`
	ChannelMessagesCount    int64       `gorm:"column:channel_messages_count;not null;default:0" json:"channel_messages_count"`
	CreatedAt               time.Time   `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "users"
}

// UserBlock records that blocker has blocked blocked from trading with them.
// The (blocker, blocked) pair is unique and acts as the natural key.
type UserBlock struct {
	ID        int64     `gorm:"column:id;primaryKey" json:"id"`
	BlockerID int64     `gorm:"column:blocker_id;not null;index;uniqueIndex:uq_blocker_blocked,priority:1" json:"blocker_id"`
	BlockedID int64     `gorm:"column:blocked_id;not null;index;uniqueIndex:uq_blocker_blocked,priority:2" json:"blocked_id"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (UserBlock) TableName() string {
	return "user_blocks"
}

// Commodity is a tradable catalog item. name is unique and serves as the
// natural key during reconciliation.
type Commodity struct {
	ID   int64  `gorm:"column:id;primaryKey" json:"id"`
	Name string `gorm:"column:name;size:190;not null;uniqueIndex" json:"name"`
}

// TableName provides the explicit table binding for GORM.
func (Commodity) TableName() string {
	return "commodities"
}

// CommodityAlias is an alternate display name for a commodity.
type CommodityAlias struct {
	ID          int64  `gorm:"column:id;primaryKey" json:"id"`
	Alias       string `gorm:"column:alias;size:190;not null;uniqueIndex" json:"alias"`
	CommodityID int64  `gorm:"column:commodity_id;not null;index" json:"commodity_id"`
}

// TableName provides the explicit table binding for GORM.
func (CommodityAlias) TableName() string {
	return "commodity_aliases"
}

// TradingSetting is a key/value trading parameter. The key is the primary
// identifier; values are JSON encoded.
type TradingSetting struct {
	Key       string    `gorm:"column:key;primaryKey;size:100" json:"key"`
	Value     string    `gorm:"column:value;type:text;not null" json:"value"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (TradingSetting) TableName() string {
	return "trading_settings"
}

// Offer is a buy/sell request posted to the channel. Notes are operator-local
// and never leave the originating region.
type Offer struct {
	ID                int64       `gorm:"column:id;primaryKey" json:"id"`
	UserID            int64       `gorm:"column:user_id;not null;index" json:"user_id"`
	OfferType         OfferType   `gorm:"column:offer_type;size:8;not null" json:"offer_type"`
	CommodityID       int64       `gorm:"column:commodity_id;not null;index" json:"commodity_id"`
	Quantity          int64       `gorm:"column:quantity;not null" json:"quantity"`
	RemainingQuantity int64       `gorm:"column:remaining_quantity;not null" json:"remaining_quantity"`
	Price             int64       `gorm:"column:price;not null" json:"price"`
	IsWholesale       bool        `gorm:"column:is_wholesale;not null;default:false" json:"is_wholesale"`
	LotSizes          string      `gorm:"column:lot_sizes;type:text" json:"lot_sizes"`
	Notes             string      `gorm:"column:notes;type:text" json:"-"`
	Status            OfferStatus `gorm:"column:status;size:16;not null;default:active" json:"status"`
	ChannelMessageID  *int64      `gorm:"column:channel_message_id" json:"channel_message_id"`
	CreatedAt         time.Time   `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         *time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Offer) TableName() string {
	return "offers"
}

// Trade records one completed match against an offer.
type Trade struct {
	ID               int64     `gorm:"column:id;primaryKey" json:"id"`
	UserID           int64     `gorm:"column:user_id;not null;index" json:"user_id"`
	TradeType        TradeType `gorm:"column:trade_type;size:8;not null" json:"trade_type"`
	CommodityID      int64     `gorm:"column:commodity_id;not null;index" json:"commodity_id"`
	Quantity         int64     `gorm:"column:quantity;not null" json:"quantity"`
	Price            int64     `gorm:"column:price;not null" json:"price"`
	ChannelMessageID *int64    `gorm:"column:channel_message_id" json:"channel_message_id"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Trade) TableName() string {
	return "trades"
}
