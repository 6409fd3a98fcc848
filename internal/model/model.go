package model

import "time"

// Mode selects which provider service a verification runs against.
type Mode string

const (
	ModeBasic Mode = "basic"
	ModeFull  Mode = "full"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeBasic || m == ModeFull
}

// Billable reports whether a verification in this mode consumes a credit.
// Only full checks are metered; basic checks are free.
func (m Mode) Billable() bool {
	return m == ModeFull
}

// Unknown is the value every enumerated field carries when the provider
// did not report it.
const Unknown = "Unknown"

// Enumerated field values.
const (
	SimUnlocked = "Unlocked"
	SimLocked   = "Locked"

	BlacklistClean       = "Clean"
	BlacklistBlacklisted = "Blacklisted"

	Off = "OFF"
	On  = "ON"

	WarrantyExpired = "Expired"
	WarrantyActive  = "Active"
)

// VerificationRequest is one incoming verify call.
type VerificationRequest struct {
	Identifier string `json:"identifier"`
	Mode       Mode   `json:"mode"`
	TenantID   string `json:"tenantId,omitempty"`
	CallerKey  string `json:"-"`
}

// Device describes the handset itself.
type Device struct {
	Brand       string  `json:"brand"`
	Model       *string `json:"model"`
	ModelNumber *string `json:"modelNumber"`
	Serial      *string `json:"serial"`
	Storage     *string `json:"storage"`
	Color       *string `json:"color"`
}

// Network describes carrier state.
type Network struct {
	Carrier *string `json:"carrier"`
	SimLock string  `json:"simLock"`
	Type    *string `json:"type"`
	Country *string `json:"country"`
}

// Security carries the signals the fraud scorer consumes.
type Security struct {
	Blacklist       string  `json:"blacklist"`
	BlacklistReason *string `json:"blacklistReason"`
	FindMy          string  `json:"findMy"`
	ActivationLock  string  `json:"activationLock"`
	MDM             string  `json:"mdm"`
	Replaced        *bool   `json:"replaced"`
	Refurbished     *bool   `json:"refurbished"`
}

// Origin describes where and when the device was built.
type Origin struct {
	ManufactureDate *string `json:"manufactureDate"`
	Factory         *string `json:"factory"`
	Region          *string `json:"region"`
}

// Warranty describes manufacturer coverage.
type Warranty struct {
	Status       string  `json:"status"`
	PurchaseDate *string `json:"purchaseDate"`
	CoverageType *string `json:"coverageType"`
	Expiration   *string `json:"expiration"`
}

// NormalizedRecord is the canonical, provider-independent result of a check.
type NormalizedRecord struct {
	Identifier string   `json:"identifier"`
	Mode       Mode     `json:"mode"`
	Device     Device   `json:"device"`
	Network    Network  `json:"network"`
	Security   Security `json:"security"`
	Origin     Origin   `json:"origin"`
	Warranty   Warranty `json:"warranty"`
}

// OverallStatus buckets a fraud score.
type OverallStatus string

const (
	StatusClean   OverallStatus = "clean"
	StatusWarning OverallStatus = "warning"
	StatusFlagged OverallStatus = "flagged"
)

// FraudAssessment is derived from a NormalizedRecord and never stored on its own.
type FraudAssessment struct {
	FraudScore    int           `json:"fraudScore"`
	TrustScore    int           `json:"trustScore"`
	Flags         []string      `json:"flags"`
	FlagKinds     []string      `json:"flagKinds"`
	OverallStatus OverallStatus `json:"overallStatus"`
	Summary       string        `json:"summary"`
}

// VerificationResult is returned to the web layer.
type VerificationResult struct {
	Identifier     string          `json:"identifier"`
	Mode           Mode            `json:"mode"`
	CheckedAt      string          `json:"checkedAt"`
	Cached         bool            `json:"cached"`
	Provider       string          `json:"provider,omitempty"`
	Device         Device          `json:"device"`
	Network        Network         `json:"network"`
	Security       Security        `json:"security"`
	Origin         Origin          `json:"origin"`
	Warranty       Warranty        `json:"warranty"`
	AI             FraudAssessment `json:"ai"`
	CreditsCharged int             `json:"creditsCharged"`

	// RateLimitDegraded is set when the limiter was unreachable and the
	// request was let through.
	RateLimitDegraded bool `json:"-"`
}

// CacheEntry is what the result cache stores per identifier and mode.
type CacheEntry struct {
	Record     NormalizedRecord `json:"record"`
	Assessment FraudAssessment  `json:"assessment"`
	Provider   string           `json:"provider"`
	StoredAt   time.Time        `json:"storedAt"`
}

// LedgerEntry is a tenant's subscription credit state.
type LedgerEntry struct {
	TenantID    string `json:"tenantId"`
	PlanCredits int    `json:"planCredits"`
	CreditsUsed int    `json:"creditsUsed"`
}

// Unlimited reports whether the plan has no credit cap.
func (e LedgerEntry) Unlimited() bool {
	return e.PlanCredits < 0
}

// ProviderStatus represents the status of an upstream verification provider.
type ProviderStatus struct {
	Name        string   `json:"name"`
	Primary     bool     `json:"primary"`
	Enabled     bool     `json:"enabled"`
	Available   bool     `json:"available"`
	RateLimit   int      `json:"rate_limit_per_min"`
	UsedLastMin int      `json:"used_last_min"`
	HasKey      bool     `json:"has_key"`
	Balance     *float64 `json:"balance,omitempty"`
}

// CacheTierStatus describes one layer of the result cache.
type CacheTierStatus struct {
	Backend string `json:"backend"`
	Size    int    `json:"size"`
}

// StatsResponse is returned by the /stats endpoint.
type StatsResponse struct {
	CacheTTL        string            `json:"cache_ttl"`
	CacheTiers      []CacheTierStatus `json:"cache_tiers"`
	Providers       []ProviderStatus  `json:"providers"`
	RateLimitWindow string            `json:"rate_limit_window"`
	RateLimitMax    int               `json:"rate_limit_max"`
	LedgerBackend   string            `json:"ledger_backend"`
}

// Attempt records one provider's failure inside a fallback run.
type Attempt struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Message  string `json:"message,omitempty"`
}

// ErrorResponse is returned on error.
type ErrorResponse struct {
	Error      string    `json:"error"`
	Kind       string    `json:"kind"`
	Code       int       `json:"code"`
	RetryAfter int       `json:"retryAfter,omitempty"`
	Attempts   []Attempt `json:"attempts,omitempty"`
}
