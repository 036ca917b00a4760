// Package genesis decodes the operator-seeded initial account balances.
// Kept distinct from the viper-driven runtime config because it is
// write-once input, never hot-reloaded.
package genesis

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Balances maps account id to its starting balance.
type Balances map[string]float64

// Load reads and decodes a genesis.yaml file.
func Load(path string) (Balances, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "genesis: read")
	}
	var balances Balances
	if err := yaml.Unmarshal(raw, &balances); err != nil {
		return nil, errors.Wrap(err, "genesis: unmarshal")
	}
	return balances, nil
}
