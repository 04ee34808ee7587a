package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingPolicy is operator-tunable billing behavior. It is loaded from a YAML
// file and hot-reloaded, so changes apply without a restart and without any
// process-local mutable globals.
type BillingPolicy struct {
	// ReferralAwardMinor is the amount credited to a referrer for each active
	// referral per month, in minor currency units.
	ReferralAwardMinor int64 `mapstructure:"referralAwardMinor"`
	// LowBalanceThresholdMinor marks balances below which clients should show
	// a top-up prompt.
	LowBalanceThresholdMinor int64 `mapstructure:"lowBalanceThresholdMinor"`
	// MonthlyCreditLimit is the legacy per-plan credit counter ceiling used by
	// the period reset job. The balance model is canonical; this only bounds
	// the deprecated counter.
	MonthlyCreditLimit int64 `mapstructure:"monthlyCreditLimit"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		ReferralAwardMinor:       500,
		LowBalanceThresholdMinor: 200,
		MonthlyCreditLimit:       100_000,
	}
}

// BillingPolicyHolder serves the current policy to handlers and jobs.
type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

func NewBillingPolicyHolder() (*BillingPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/craft/config")
	v.AddConfigPath("/etc/craft")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CRAFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultBillingPolicy()
		v.SetDefault("billing.referralAwardMinor", defaults.ReferralAwardMinor)
		v.SetDefault("billing.lowBalanceThresholdMinor", defaults.LowBalanceThresholdMinor)
		v.SetDefault("billing.monthlyCreditLimit", defaults.MonthlyCreditLimit)
	}

	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return nil, err
	}
	if err := validateBillingPolicy(policy); err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingPolicy
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-policy] reload failed: %v", err)
			return
		}
		if err := validateBillingPolicy(updated); err != nil {
			log.Printf("[billing-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

// NewStaticBillingPolicyHolder returns a holder with a fixed policy, for tests.
func NewStaticBillingPolicyHolder(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func validateBillingPolicy(policy BillingPolicy) error {
	if policy.ReferralAwardMinor < 0 {
		return errors.New("billing.referralAwardMinor cannot be negative")
	}
	if policy.LowBalanceThresholdMinor < 0 {
		return errors.New("billing.lowBalanceThresholdMinor cannot be negative")
	}
	return nil
}
