package config

// Pauses switches individual engines off. Keys match the engines' module
// names.
type Pauses struct {
	Vault    bool `toml:"Vault"`
	Market   bool `toml:"Market"`
	Strategy bool `toml:"Strategy"`
}

// Quota caps how much a single caller may do per epoch at the service edge.
type Quota struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	MaxVolumePerEpoch   string `toml:"MaxVolumePerEpoch"` // decimal base units
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// Market holds the risk parameters of one debt market.
type Market struct {
	Address                string            `toml:"Address"`
	Collateral             string            `toml:"Collateral"`
	Debt                   string            `toml:"Debt"`
	Oracle                 string            `toml:"Oracle"`
	CollateralFactor       uint64            `toml:"CollateralFactor"`
	LiquidationPenalty     uint64            `toml:"LiquidationPenalty"`
	LiquidationTreasuryBps uint64            `toml:"LiquidationTreasuryBps"`
	MinDebtSize            string            `toml:"MinDebtSize"`
	InterestPerSecond      string            `toml:"InterestPerSecond"`
	UserFactors            map[string]uint64 `toml:"UserFactors,omitempty"`
}

// Risk is the protocol-wide risk document.
type Risk struct {
	Treasury string   `toml:"Treasury"`
	Pauses   Pauses   `toml:"Pauses"`
	Quota    Quota    `toml:"Quota"`
	Markets  []Market `toml:"Market"`
}
