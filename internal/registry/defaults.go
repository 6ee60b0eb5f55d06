package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Built-in v1 registries for the three model families. WriteDefaults
// materializes them as YAML so deployments can audit and fork the contract
// without a code change; the loader only ever reads the files.

func numeric(category string) FeatureSpec {
	return FeatureSpec{DType: "float", Nullable: false, Category: category}
}

func defaultRegistries() []*Registry {
	identity := FeatureSpec{DType: "string", Nullable: false, Category: "identity"}
	allowed := []string{"identity", "monetary", "behavioral", "temporal", "engagement", "target"}
	forbidden := []string{"pii"}

	churn := &Registry{
		ModelFamily:         "churn",
		Version:             "v1",
		AllowedCategories:   allowed,
		ForbiddenCategories: forbidden,
		Features: map[string]FeatureSpec{
			"customer_id":     identity,
			"churn_90d":       numeric("target"),
			"recency_days":    numeric("temporal"),
			"tenure_days":     numeric("temporal"),
			"order_frequency": numeric("behavioral"),
			"total_spend":     numeric("monetary"),
			"avg_order_value": numeric("monetary"),
			"spend_30d":       numeric("monetary"),
			"spend_90d":       numeric("monetary"),
			"orders_30d":      numeric("behavioral"),
			"orders_90d":      numeric("behavioral"),
			"sessions_30d":    numeric("engagement"),
			"sessions_90d":    numeric("engagement"),
			"return_rate":     numeric("behavioral"),
			"discount_rate":   numeric("behavioral"),
		},
	}

	clv := &Registry{
		ModelFamily:         "clv",
		Version:             "v1",
		AllowedCategories:   allowed,
		ForbiddenCategories: forbidden,
		Features: map[string]FeatureSpec{
			"customer_id":      identity,
			"future_90d_spend": numeric("target"),
			"recency_days":     numeric("temporal"),
			"tenure_days":      numeric("temporal"),
			"total_spend":      numeric("monetary"),
			"order_count":      numeric("behavioral"),
			"avg_order_value":  numeric("monetary"),
			"spend_30d":        numeric("monetary"),
			"spend_90d":        numeric("monetary"),
			"orders_30d":       numeric("behavioral"),
			"orders_90d":       numeric("behavioral"),
			"sessions_30d":     numeric("engagement"),
			"return_rate":      numeric("behavioral"),
		},
	}

	segmentation := &Registry{
		ModelFamily:         "segmentation",
		Version:             "v1",
		AllowedCategories:   allowed,
		ForbiddenCategories: forbidden,
		Features: map[string]FeatureSpec{
			"customer_id":       identity,
			"recency_days":      numeric("temporal"),
			"tenure_days":       numeric("temporal"),
			"order_count":       numeric("behavioral"),
			"order_frequency":   numeric("behavioral"),
			"total_spend":       numeric("monetary"),
			"avg_order_value":   numeric("monetary"),
			"spend_90d":         numeric("monetary"),
			"session_count":     numeric("engagement"),
			"session_frequency": numeric("engagement"),
			"sessions_30d":      numeric("engagement"),
			"sessions_90d":      numeric("engagement"),
			"return_rate":       numeric("behavioral"),
		},
	}

	return []*Registry{churn, clv, segmentation}
}

// WriteDefaults writes the built-in v1 registries into dir, skipping files
// that already exist so a deployment's edited contract is never clobbered.
func WriteDefaults(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	for _, reg := range defaultRegistries() {
		path := filepath.Join(dir, reg.ModelFamily+"_"+reg.Version+".yaml")
		if _, err := os.Stat(path); err == nil {
			continue
		}
		raw, err := yaml.Marshal(reg)
		if err != nil {
			return fmt.Errorf("marshal registry %s: %w", reg.ModelFamily, err)
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return fmt.Errorf("write registry %s: %w", path, err)
		}
	}
	return nil
}
