package config

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"dealescrow/native/deal"
)

// Validate checks the fields that cannot be defaulted.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress must be set")
	}
	if _, err := cfg.Fee(); err != nil {
		return err
	}
	if _, err := cfg.Policy(); err != nil {
		return err
	}
	return nil
}

// Fee parses MessageFee into ledger units.
func (cfg *Config) Fee() (*uint256.Int, error) {
	fee, err := deal.ParseCoins(cfg.MessageFee)
	if err != nil {
		return nil, fmt.Errorf("MessageFee: %w", err)
	}
	return fee, nil
}

// Policy parses FundPolicy.
func (cfg *Config) Policy() (deal.FundPolicy, error) {
	policy, err := deal.ParseFundPolicy(cfg.FundPolicy)
	if err != nil {
		return 0, fmt.Errorf("FundPolicy: %w", err)
	}
	return policy, nil
}
