package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchemaAcceptsWellFormedConfig(t *testing.T) {
	err := ValidateSchema([]byte(`
database: "postgres://localhost/reconciler"
logging: stderr
entities:
  customer:
    enabled: [acct, users]
    acct:
      type: shell
      read: "get-account %fk"
    users:
      type: http
      base_url: "https://users.example.com"
`))
	require.NoError(t, err)
}

func TestValidateSchemaRejectsTypoedSourceField(t *testing.T) {
	err := ValidateSchema([]byte(`
entities:
  customer:
    enabled: [acct]
    acct:
      type: shell
      raed: "get-account %fk"
`))
	assert.Error(t, err)
}

func TestValidateSchemaRejectsTypoedTopLevelField(t *testing.T) {
	err := ValidateSchema([]byte(`
databse: "postgres://localhost/reconciler"
`))
	assert.Error(t, err)
}

func TestValidateSchemaAllowsArbitraryEntityAndSourceNames(t *testing.T) {
	err := ValidateSchema([]byte(`
entities:
  anything-operators-want:
    enabled: [some-source]
    some-source:
      type: shell
`))
	assert.NoError(t, err)
}
