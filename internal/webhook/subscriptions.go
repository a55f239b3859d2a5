// Package webhook fans completion events out to configured subscribers
// with persistent, at-least-once delivery.
package webhook

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/parcelgrid/enrich-cli/internal/model"
)

// subscriptionFile is the on-disk shape of webhooks.yaml.
type subscriptionFile struct {
	Subscriptions []model.WebhookSubscription `yaml:"subscriptions"`
}

// LoadSubscriptions reads webhook subscriptions from a YAML file. A missing
// path is not an error: it means no subscribers are configured.
func LoadSubscriptions(path string) ([]model.WebhookSubscription, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "webhook: read %s", path)
	}

	var f subscriptionFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "webhook: parse %s", path)
	}

	for i, sub := range f.Subscriptions {
		if sub.ID == "" {
			return nil, eris.Errorf("webhook: subscription %d has no id", i)
		}
		if sub.TargetURL == "" {
			return nil, eris.Errorf("webhook: subscription %q has no target_url", sub.ID)
		}
	}
	return f.Subscriptions, nil
}
