package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// singletonID keys the one-row tables.
const singletonID = 1

// ControllerRecord is the persisted controller configuration and accounting.
type ControllerRecord struct {
	ID                uint   `gorm:"primaryKey"`
	Owner             string `gorm:"size:42;not null"`
	NominatedOwner    string `gorm:"size:42"`
	Timelock          string `gorm:"size:42"`
	MintsPaused       bool
	RedeemsPaused     bool
	MintFeeManual     bool
	MintFee           uint64
	MintFeeMax        uint64
	RedeemFeeManual   bool
	RedeemFee         uint64
	RedeemFeeMax      uint64
	BandMint          uint64
	BandRedeem        uint64
	BandTWAMM         uint64
	MintCap           string `gorm:"size:80"`
	FRAXBorrowCap     string `gorm:"size:80"`
	MaxSwapInFRAX     string `gorm:"size:80"`
	MaxSwapInFPI      string `gorm:"size:80"`
	SwapPeriodSeconds int64
	FPIMinted         string `gorm:"size:80"`
	FRAXBorrowed      string `gorm:"size:80"`
	UpdatedAt         time.Time
}

// AMORecord is one whitelisted AMO and its outstanding borrow.
type AMORecord struct {
	Address   string `gorm:"primaryKey;size:42"`
	Borrowed  string `gorm:"size:80"`
	UpdatedAt time.Time
}

// OrderRecord tracks every TWAMM order the controller placed. At most one row is active.
type OrderRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	Sell        string `gorm:"size:8"`
	AmountIn    string `gorm:"size:80"`
	Collected   string `gorm:"size:80"`
	Intervals   uint64
	SubmittedAt time.Time
	Expiry      time.Time `gorm:"index"`
	Active      bool      `gorm:"index"`
	UpdatedAt   time.Time
}

// EventRecord is one entry of the controller journal.
type EventRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind      string    `gorm:"size:64;index"`
	Actor     string    `gorm:"size:128"`
	Details   string    `gorm:"type:text"`
	Digest    string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:"index"`
}

// OracleRound is one aggregated oracle round.
type OracleRound struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Feed       string    `gorm:"size:32;index"`
	Median     string    `gorm:"size:80"`
	Feeders    string    `gorm:"type:text"`
	ProofID    string    `gorm:"size:64;uniqueIndex"`
	ObservedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// TrackerRecord persists the CPI peg ramp.
type TrackerRecord struct {
	ID                uint   `gorm:"primaryKey"`
	PegLast           string `gorm:"size:80"`
	PegTarget         string `gorm:"size:80"`
	RampStart         time.Time
	RampPeriodSeconds int64
	LastCPI           string `gorm:"size:80"`
	ObservedAt        time.Time
	UpdatedAt         time.Time
}

// AutoMigrate performs all schema migrations for the daemon.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ControllerRecord{},
		&AMORecord{},
		&OrderRecord{},
		&EventRecord{},
		&OracleRound{},
		&TrackerRecord{},
	)
}
